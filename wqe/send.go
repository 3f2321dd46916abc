package wqe

import (
	"errors"
	"fmt"
)

// Opcode is the operation carried in a send queue header.
type Opcode uint8

const (
	OpWrite        Opcode = 0x00
	OpRead         Opcode = 0x01
	OpSend         Opcode = 0x03
	OpSendInv      Opcode = 0x04
	OpSendSol      Opcode = 0x05
	OpSendSolInv   Opcode = 0x06
	OpBindMW       Opcode = 0x08
	OpFastRegister Opcode = 0x09
	OpLocalInv     Opcode = 0x0a
	OpReadLocalInv Opcode = 0x0b
	OpNOP          Opcode = 0x0c

	// Opcodes reported by receive completions.
	OpRecv    Opcode = 0x3e
	OpRecvImm Opcode = 0x3f
)

var opcodeNames = map[Opcode]string{
	OpWrite:        "write",
	OpRead:         "read",
	OpSend:         "send",
	OpSendInv:      "send_inv",
	OpSendSol:      "send_sol",
	OpSendSolInv:   "send_sol_inv",
	OpBindMW:       "bind_mw",
	OpFastRegister: "fast_register",
	OpLocalInv:     "local_inv",
	OpReadLocalInv: "read_local_inv",
	OpNOP:          "nop",
	OpRecv:         "recv",
	OpRecvImm:      "recv_imm",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("opcode(%#x)", uint8(o))
}

// Send queue header (qword 3) fields.
var (
	SQOpcode         = Field{Shift: 32, Width: 6}
	SQAddFragCnt     = Field{Shift: 38, Width: 4}
	SQReportRTT      = Bit(46)
	SQImmDataFlag    = Bit(47)
	SQInlineDataLen  = Field{Shift: 48, Width: 8}
	SQPushWQE        = Bit(56)
	SQInlineDataFlag = Bit(57)
	SQReadFence      = Bit(60)
	SQLocalFence     = Bit(61)
	SQSigCompl       = Bit(62)
	Valid            = Bit(63)

	SQRemStag       = Field{Shift: 0, Width: 32}
	SQStagKey       = Field{Shift: 0, Width: 8}
	SQStagIndex     = Field{Shift: 8, Width: 24}
	SQLPBLSize      = Field{Shift: 44, Width: 2}
	SQHPageSize     = Field{Shift: 46, Width: 2}
	SQStagRights    = Field{Shift: 48, Width: 5}
	SQVABasedTO     = Bit(53)
	SQMemWindowType = Bit(54)
)

// Operation specific body fields.
var (
	// Fragment second qword, generation 2 and later.
	FragLen  = Field{Shift: 32, Width: 31}
	FragStag = Field{Shift: 0, Width: 32}
	// Fragment second qword, generation 1.
	Gen1FragLen  = Field{Shift: 0, Width: 32}
	Gen1FragStag = Field{Shift: 32, Width: 32}

	// Send qword 2.
	SQDestQKey = Field{Shift: 0, Width: 32}
	SQDestQPN  = Field{Shift: 32, Width: 24}

	// Bind window qword 1.
	SQParentMRStag = Field{Shift: 32, Width: 32}
	SQMWStag       = Field{Shift: 0, Width: 32}

	// Local invalidate qword 1.
	SQLocStag = Field{Shift: 0, Width: 32}

	// Fast register qwords 1 and 2.
	SQFirstPMPBLIdxHi = Field{Shift: 0, Width: 12}
	SQPBLAddr         = Field{Shift: 12, Width: 52}
	SQFirstPMPBLIdxLo = Field{Shift: 48, Width: 16}
	SQFastRegLen      = Field{Shift: 0, Width: 48}
)

const (
	// MinQuanta is the smallest descriptor.
	MinQuanta = 1
	// MaxQuantaPerWR is the largest descriptor the device fetches at once.
	MaxQuantaPerWR = 8
	// MaxFragCount is the largest number of fragments a descriptor holds,
	// including the slot taken by immediate data.
	MaxFragCount = 15
	// PBLAddrShift is the page shift applied to fast register PBL addresses.
	PBLAddrShift = 12
)

// ErrInvalidFragCount is returned for fragment counts no descriptor can hold.
var ErrInvalidFragCount = errors.New("invalid fragment count")

// FragQuanta returns the number of quanta a send descriptor with fragCount
// fragments occupies. The first fragment lives in the header quantum, every
// following pair of fragments takes one more quantum.
func FragQuanta(fragCount uint32) (uint16, error) {
	if fragCount > MaxFragCount {
		return 0, fmt.Errorf("%w: %d", ErrInvalidFragCount, fragCount)
	}
	if fragCount <= 1 {
		return MinQuanta, nil
	}
	return uint16(fragCount/2) + 1, nil
}

// RQWQEShift returns log2 of the receive descriptor size in quanta needed
// for fragCount fragments.
func RQWQEShift(fragCount uint32) (uint8, error) {
	switch {
	case fragCount <= 1:
		return 0, nil
	case fragCount <= 3:
		return 1, nil
	case fragCount <= 7:
		return 2, nil
	case fragCount <= MaxFragCount:
		return 3, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidFragCount, fragCount)
}

// SGE is one scatter/gather element.
type SGE struct {
	Addr uint64
	Len  uint32
	LKey uint32
}

// BindWindow describes a memory window bind.
type BindWindow struct {
	MRStag uint32
	MWStag uint32
	VA     uint64
	Len    uint64
}

// SendHeader is the decoded form of a send queue header.
type SendHeader struct {
	Opcode      Opcode
	AddFragCnt  uint8
	InlineLen   uint8
	Inline      bool
	Imm         bool
	Push        bool
	ReadFence   bool
	LocalFence  bool
	Signaled    bool
	Valid       bool
	RemStag     uint32
	ReportRTT   bool
	StagRights  uint8
	VABasedTO   bool
	WindowType1 bool
}

// DecodeSendHeader splits a send queue header into its fields.
func DecodeSendHeader(hdr uint64) SendHeader {
	return SendHeader{
		Opcode:      Opcode(SQOpcode.Get(hdr)),
		AddFragCnt:  uint8(SQAddFragCnt.Get(hdr)),
		InlineLen:   uint8(SQInlineDataLen.Get(hdr)),
		Inline:      SQInlineDataFlag.IsSet(hdr),
		Imm:         SQImmDataFlag.IsSet(hdr),
		Push:        SQPushWQE.IsSet(hdr),
		ReadFence:   SQReadFence.IsSet(hdr),
		LocalFence:  SQLocalFence.IsSet(hdr),
		Signaled:    SQSigCompl.IsSet(hdr),
		Valid:       Valid.IsSet(hdr),
		RemStag:     uint32(SQRemStag.Get(hdr)),
		ReportRTT:   SQReportRTT.IsSet(hdr),
		StagRights:  uint8(SQStagRights.Get(hdr)),
		VABasedTO:   SQVABasedTO.IsSet(hdr),
		WindowType1: SQMemWindowType.IsSet(hdr),
	}
}

// NOPHeader returns the header of a no-op descriptor.
func NOPHeader(signaled bool, polarity uint8) uint64 {
	return SQOpcode.Prep(uint64(OpNOP)) |
		SQSigCompl.Prep(Flag(signaled)) |
		Valid.Prep(uint64(polarity))
}
