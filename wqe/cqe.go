package wqe

import "fmt"

// CQESize is the size of one completion queue entry. Extended entries use
// two.
const CQESize = QuantumSize

// Completion queue entry fields. Qword 3 is the status header.
var (
	CQMinErr  = Field{Shift: 0, Width: 16}
	CQMajErr  = Field{Shift: 16, Width: 16}
	CQWQEIdx  = Field{Shift: 32, Width: 15}
	CQExtCQE  = Bit(50)
	CQPshDrop = Bit(51)
	CQStag    = Bit(53)
	CQSOEvent = Bit(54)
	CQError   = Bit(55)
	CQOp      = Field{Shift: 56, Width: 6}
	CQSQ      = Bit(62)
	CQValid   = Bit(63)

	// Qword 0.
	CQPayloadLen = Field{Shift: 0, Width: 32}
	// Qword 2.
	CQInvStag = Field{Shift: 0, Width: 32}
	CQQPID    = Field{Shift: 32, Width: 24}

	// Extension quantum qword 3 and qword 0.
	CQImmValid = Bit(62)
	CQImmData  = Field{Shift: 0, Width: 32}
)

// Shadow area fields.
var (
	// QP shadow qword 0, written by the device.
	QPShadowHWSQTail = Field{Shift: 0, Width: 15}

	// CQ shadow qword 4 (byte 32), written by software.
	CQShadowSWCQSelect = Field{Shift: 0, Width: 14}
	CQShadowArmNext    = Bit(14)
	CQShadowArmNextSE  = Bit(15)
	CQShadowArmSeqNum  = Field{Shift: 61, Width: 2}

	// Push doorbell value.
	PushDBDescIndex = Field{Shift: 20, Width: 12}
	PushDBQPID      = Field{Shift: 0, Width: 20}
)

const (
	// CQShadowHeadOffset is where software publishes the consumed head.
	CQShadowHeadOffset = 0
	// CQShadowArmOffset holds the arm and resize bookkeeping.
	CQShadowArmOffset = 32
	// ShadowAreaSize is the size of a QP or CQ shadow area.
	ShadowAreaSize = 64

	// FlushMajorErr marks a completion produced by a queue flush.
	FlushMajorErr = 1
)

// MinorErr is the minor error code of a flushed completion.
type MinorErr uint16

const (
	FlushInvalid MinorErr = iota
	FlushGeneralErr
	FlushProtErr
	FlushRemAccessErr
	FlushLocQPOpErr
	FlushRemOpErr
	FlushLocLenErr
	FlushFatalErr
	FlushRetryExcErr
	FlushMWBindErr
	FlushRemInvReqErr
)

var minorNames = [...]string{
	FlushInvalid:      "invalid",
	FlushGeneralErr:   "general",
	FlushProtErr:      "protection",
	FlushRemAccessErr: "remote_access",
	FlushLocQPOpErr:   "local_qp_op",
	FlushRemOpErr:     "remote_op",
	FlushLocLenErr:    "local_length",
	FlushFatalErr:     "fatal",
	FlushRetryExcErr:  "retry_exceeded",
	FlushMWBindErr:    "mw_bind",
	FlushRemInvReqErr: "remote_invalid_request",
}

func (m MinorErr) String() string {
	if int(m) < len(minorNames) {
		return minorNames[m]
	}
	return fmt.Sprintf("minor(%#x)", uint16(m))
}

// CQE is the decoded form of a completion queue entry.
type CQE struct {
	Valid       bool
	SQ          bool
	Error       bool
	Major       uint16
	Minor       uint16
	WQEIdx      uint32
	Op          Opcode
	Extended    bool
	PushDropped bool
	StagValid   bool
	SOEvent     bool
	PayloadLen  uint32
	Context     uint64
	QPID        uint32
	InvStag     uint32
	ImmValid    bool
	Imm         uint32
}

// DecodeCQE decodes the entry at the start of q. If the entry is extended
// and ext is not nil, ext is the extension quantum.
func DecodeCQE(q, ext []byte) CQE {
	q3 := Load64(q, HeaderOffset)
	q0 := Get64(q, 0)
	q2 := Get64(q, 16)
	e := CQE{
		Valid:       CQValid.IsSet(q3),
		SQ:          CQSQ.IsSet(q3),
		Error:       CQError.IsSet(q3),
		Major:       uint16(CQMajErr.Get(q3)),
		Minor:       uint16(CQMinErr.Get(q3)),
		WQEIdx:      uint32(CQWQEIdx.Get(q3)),
		Op:          Opcode(CQOp.Get(q3)),
		Extended:    CQExtCQE.IsSet(q3),
		PushDropped: CQPshDrop.IsSet(q3),
		StagValid:   CQStag.IsSet(q3),
		SOEvent:     CQSOEvent.IsSet(q3),
		PayloadLen:  uint32(CQPayloadLen.Get(q0)),
		Context:     Get64(q, 8),
		QPID:        uint32(CQQPID.Get(q2)),
		InvStag:     uint32(CQInvStag.Get(q2)),
	}
	if e.Extended && ext != nil {
		e.ImmValid = CQImmValid.IsSet(Load64(ext, HeaderOffset))
		e.Imm = uint32(CQImmData.Get(Get64(ext, 0)))
	}
	return e
}

// Encode writes e into q (and the extension quantum ext when e is extended)
// with the given polarity. The header qwords are written last. This is the
// device's side of the protocol.
func (e *CQE) Encode(q, ext []byte, polarity uint8) {
	Set64(q, 0, CQPayloadLen.Prep(uint64(e.PayloadLen)))
	Set64(q, 8, e.Context)
	Set64(q, 16, CQInvStag.Prep(uint64(e.InvStag))|CQQPID.Prep(uint64(e.QPID)))
	if e.Extended && ext != nil {
		Set64(ext, 0, CQImmData.Prep(uint64(e.Imm)))
		Set64(ext, 8, 0)
		Set64(ext, 16, 0)
		Store64(ext, HeaderOffset, CQImmValid.Prep(Flag(e.ImmValid))|CQValid.Prep(uint64(polarity)))
	}
	Store64(q, HeaderOffset, e.Header(polarity))
}

// Header returns the status qword of e.
func (e *CQE) Header(polarity uint8) uint64 {
	return CQMinErr.Prep(uint64(e.Minor)) |
		CQMajErr.Prep(uint64(e.Major)) |
		CQWQEIdx.Prep(uint64(e.WQEIdx)) |
		CQExtCQE.Prep(Flag(e.Extended)) |
		CQPshDrop.Prep(Flag(e.PushDropped)) |
		CQStag.Prep(Flag(e.StagValid)) |
		CQSOEvent.Prep(Flag(e.SOEvent)) |
		CQError.Prep(Flag(e.Error)) |
		CQOp.Prep(uint64(e.Op)) |
		CQSQ.Prep(Flag(e.SQ)) |
		CQValid.Prep(uint64(polarity))
}
