package wqe

import "fmt"

// CQPWQESize is the size of one control command descriptor.
const CQPWQESize = 64

// CQPOpcode is a control command.
type CQPOpcode uint8

const (
	CQPOpCreateQP       CQPOpcode = 0x00
	CQPOpModifyQP       CQPOpcode = 0x01
	CQPOpDestroyQP      CQPOpcode = 0x02
	CQPOpCreateCQ       CQPOpcode = 0x03
	CQPOpModifyCQ       CQPOpcode = 0x04
	CQPOpDestroyCQ      CQPOpcode = 0x05
	CQPOpAllocStag      CQPOpcode = 0x09
	CQPOpRegMR          CQPOpcode = 0x0a
	CQPOpDeallocStag    CQPOpcode = 0x0d
	CQPOpManagePushPage CQPOpcode = 0x11
	CQPOpFlushWQEs      CQPOpcode = 0x22
	CQPOpNOP            CQPOpcode = 0x25
)

var cqpOpcodeNames = map[CQPOpcode]string{
	CQPOpCreateQP:       "create_qp",
	CQPOpModifyQP:       "modify_qp",
	CQPOpDestroyQP:      "destroy_qp",
	CQPOpCreateCQ:       "create_cq",
	CQPOpModifyCQ:       "modify_cq",
	CQPOpDestroyCQ:      "destroy_cq",
	CQPOpAllocStag:      "alloc_stag",
	CQPOpRegMR:          "reg_mr",
	CQPOpDeallocStag:    "dealloc_stag",
	CQPOpManagePushPage: "manage_push_page",
	CQPOpFlushWQEs:      "flush_wqes",
	CQPOpNOP:            "nop",
}

func (o CQPOpcode) String() string {
	if n, ok := cqpOpcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("cqp_opcode(%#x)", uint8(o))
}

// Control command header fields common to every command.
var (
	CQPOpcodeField = Field{Shift: 32, Width: 6}
	CQPWQEValid    = Bit(63)
)

// Queue pair commands. Qword 2 is the host context address, qword 5 the
// shadow area address.
var (
	CQPQPID            = Field{Shift: 0, Width: 24}
	CQPQPNextState     = Field{Shift: 44, Width: 3}
	CQPQPType          = Field{Shift: 48, Width: 3}
	CQPQPCQNumValid    = Bit(57)
	CQPQPIgnoreMWBound = Bit(58)
)

// Completion queue commands. Qword 0 is the size, qword 1 the completion
// context, qword 4 the ring address and qword 5 the shadow area address.
var (
	CQPCQID               = Field{Shift: 0, Width: 22}
	CQPCQResize           = Bit(43)
	CQPCQExtendedCQE      = Bit(59)
	CQPCQCheckOverflow    = Bit(60)
	CQPCQAvoidMemConflict = Bit(61)
	// CQPCQIsCCQ creates the control completion ring.
	CQPCQIsCCQ            = Bit(62)
	CQPCQShadowReadThresh = Field{Shift: 0, Width: 18}
)

// Steering tag commands.
var (
	CQPStagLen       = Field{Shift: 0, Width: 46}
	CQPStagPDID      = Field{Shift: 46, Width: 18}
	CQPStagKey       = Field{Shift: 0, Width: 8}
	CQPStagIdx       = Field{Shift: 8, Width: 24}
	CQPStagMR        = Bit(43)
	CQPStagLPBLSize  = Field{Shift: 44, Width: 2}
	CQPStagHPageSize = Field{Shift: 46, Width: 2}
	CQPStagARights   = Field{Shift: 48, Width: 5}
	CQPStagRemAccess = Bit(53)
	CQPStagMWType    = Bit(42)
	CQPStagVABasedTO = Bit(59)
)

// Flush command.
var (
	CQPFlushRQMinErr = Field{Shift: 0, Width: 16}
	CQPFlushRQMajErr = Field{Shift: 16, Width: 16}
	CQPFlushSQMinErr = Field{Shift: 32, Width: 16}
	CQPFlushSQMajErr = Field{Shift: 48, Width: 16}
	CQPFlushUserCode = Bit(60)
	CQPFlushSQ       = Bit(61)
	CQPFlushRQ       = Bit(62)
)

// Push page command.
var (
	CQPPushPageIdx  = Field{Shift: 0, Width: 16}
	CQPPushPageFree = Bit(62)
)

// Control completion entry fields. The status qword reuses the completion
// queue layout ([CQWQEIdx], [CQError], [CQMajErr], [CQMinErr], [CQValid]).
var (
	CCQOpRetVal = Field{Shift: 0, Width: 32}
)

// Control ring registers.
var (
	// CQPTAIL register.
	CQPTailWQTail = Field{Shift: 0, Width: 11}
	CQPTailOpErr  = Bit(31)
	// CCQPSTATUS register.
	CCQPStatusDone  = Bit(0)
	CCQPStatusError = Bit(31)
	// CQPERRCODES register.
	CQPErrMinor = Field{Shift: 0, Width: 16}
	CQPErrMajor = Field{Shift: 16, Width: 16}
)

// CQPHeader builds a control command header from the command specific bits.
func CQPHeader(op CQPOpcode, fields uint64, polarity uint8) uint64 {
	return fields |
		CQPOpcodeField.Prep(uint64(op)) |
		CQPWQEValid.Prep(uint64(polarity))
}
