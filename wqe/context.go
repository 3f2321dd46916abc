package wqe

// Host context layouts handed to the device by address in control commands.

// QPContextSize is the size of a queue pair host context.
const QPContextSize = 64

var (
	qpCtxSQSize    = Field{Shift: 0, Width: 16}
	qpCtxRQSize    = Field{Shift: 16, Width: 16}
	qpCtxRQShift   = Field{Shift: 32, Width: 3}
	qpCtxGen       = Field{Shift: 40, Width: 4}
	qpCtxRelaxedRQ = Bit(48)
	qpCtxPushValid = Bit(49)
	qpCtxSendCQ    = Field{Shift: 0, Width: 24}
	qpCtxRecvCQ    = Field{Shift: 32, Width: 24}
	qpCtxPushIdx   = Field{Shift: 0, Width: 16}
	qpCtxDestQP    = Field{Shift: 32, Width: 24}
	qpCtxDestValid = Bit(63)
)

// QPContext describes the rings of a queue pair to the device.
type QPContext struct {
	SQAddr    uint64
	RQAddr    uint64
	SQSize    uint32 // quanta
	RQSize    uint32 // descriptors
	RQShift   uint8
	Gen       Generation
	RelaxedRQ bool
	SendCQ    uint32
	RecvCQ    uint32
	// CompletionContext is echoed in every completion of the queue pair.
	CompletionContext uint64
	PushValid         bool
	PushIdx           uint16
	// DestQP is the connected peer, when DestValid.
	DestQP    uint32
	DestValid bool
}

func (c *QPContext) Encode(b []byte) {
	clear(b[:QPContextSize])
	Set64(b, 0, c.SQAddr)
	Set64(b, 8, c.RQAddr)
	Set64(b, 16, qpCtxSQSize.Prep(uint64(c.SQSize))|
		qpCtxRQSize.Prep(uint64(c.RQSize))|
		qpCtxRQShift.Prep(uint64(c.RQShift))|
		qpCtxGen.Prep(uint64(c.Gen))|
		qpCtxRelaxedRQ.Prep(Flag(c.RelaxedRQ))|
		qpCtxPushValid.Prep(Flag(c.PushValid)))
	Set64(b, 24, qpCtxSendCQ.Prep(uint64(c.SendCQ))|qpCtxRecvCQ.Prep(uint64(c.RecvCQ)))
	Set64(b, 32, c.CompletionContext)
	Set64(b, 40, qpCtxPushIdx.Prep(uint64(c.PushIdx))|
		qpCtxDestQP.Prep(uint64(c.DestQP))|
		qpCtxDestValid.Prep(Flag(c.DestValid)))
}

func DecodeQPContext(b []byte) QPContext {
	w2 := Get64(b, 16)
	w3 := Get64(b, 24)
	w5 := Get64(b, 40)
	return QPContext{
		SQAddr:            Get64(b, 0),
		RQAddr:            Get64(b, 8),
		SQSize:            uint32(qpCtxSQSize.Get(w2)),
		RQSize:            uint32(qpCtxRQSize.Get(w2)),
		RQShift:           uint8(qpCtxRQShift.Get(w2)),
		Gen:               Generation(qpCtxGen.Get(w2)),
		RelaxedRQ:         qpCtxRelaxedRQ.IsSet(w2),
		PushValid:         qpCtxPushValid.IsSet(w2),
		SendCQ:            uint32(qpCtxSendCQ.Get(w3)),
		RecvCQ:            uint32(qpCtxRecvCQ.Get(w3)),
		CompletionContext: Get64(b, 32),
		PushIdx:           uint16(qpCtxPushIdx.Get(w5)),
		DestQP:            uint32(qpCtxDestQP.Get(w5)),
		DestValid:         qpCtxDestValid.IsSet(w5),
	}
}

// CQPContextSize is the size of the control ring host context.
const CQPContextSize = 32

var (
	cqpCtxSQSize = Field{Shift: 0, Width: 16}
	cqpCtxGen    = Field{Shift: 16, Width: 4}
)

// CQPContext describes the control ring to the device at bring-up.
type CQPContext struct {
	SQAddr uint64
	SQSize uint32
	Gen    Generation
}

func (c *CQPContext) Encode(b []byte) {
	clear(b[:CQPContextSize])
	Set64(b, 0, c.SQAddr)
	Set64(b, 8, cqpCtxSQSize.Prep(uint64(c.SQSize))|cqpCtxGen.Prep(uint64(c.Gen)))
}

func DecodeCQPContext(b []byte) CQPContext {
	w1 := Get64(b, 8)
	return CQPContext{
		SQAddr: Get64(b, 0),
		SQSize: uint32(cqpCtxSQSize.Get(w1)),
		Gen:    Generation(cqpCtxGen.Get(w1)),
	}
}
