package cqp

import "github.com/slackhq/rdmaring/wqe"

// Command is one control descriptor. Words[3] holds the command specific
// header bits; the opcode and valid bit are added when it is posted.
type Command struct {
	Op    wqe.CQPOpcode
	Words [wqe.CQPWQESize / 8]uint64
}

const hdrWord = wqe.HeaderOffset / 8

// DecodeCommand reads the command in a posted control ring slot.
func DecodeCommand(q []byte) (Command, uint8) {
	var c Command
	for i := range c.Words {
		c.Words[i] = wqe.Get64(q, i*8)
	}
	h := wqe.Load64(q, wqe.HeaderOffset)
	c.Op = wqe.CQPOpcode(wqe.CQPOpcodeField.Get(h))
	c.Words[hdrWord] = h &^ (wqe.CQPOpcodeField.Mask() | wqe.CQPWQEValid.Mask())
	return c, uint8(wqe.CQPWQEValid.Get(h))
}

func NOP() Command {
	return Command{Op: wqe.CQPOpNOP}
}

// QP types understood by CreateQP.
const (
	QPTypeRC = 1
	QPTypeUD = 2
)

// Queue pair states for ModifyQP.
const (
	QPStateReset = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateError
)

// QPInfo describes a queue pair command.
type QPInfo struct {
	ID   uint32
	Type uint8
	// ContextAddr is the address of an encoded [wqe.QPContext].
	ContextAddr uint64
	ShadowAddr  uint64
	NextState   uint8
	// IgnoreMWBound lets destroy proceed with memory windows still bound.
	IgnoreMWBound bool
}

func CreateQP(i QPInfo) Command {
	c := Command{Op: wqe.CQPOpCreateQP}
	c.Words[2] = i.ContextAddr
	c.Words[5] = i.ShadowAddr
	c.Words[hdrWord] = wqe.CQPQPID.Prep(uint64(i.ID)) |
		wqe.CQPQPType.Prep(uint64(i.Type)) |
		wqe.CQPQPCQNumValid.Prep(1)
	return c
}

func ModifyQP(i QPInfo) Command {
	c := Command{Op: wqe.CQPOpModifyQP}
	c.Words[2] = i.ContextAddr
	c.Words[hdrWord] = wqe.CQPQPID.Prep(uint64(i.ID)) |
		wqe.CQPQPType.Prep(uint64(i.Type)) |
		wqe.CQPQPNextState.Prep(uint64(i.NextState))
	return c
}

func DestroyQP(i QPInfo) Command {
	c := Command{Op: wqe.CQPOpDestroyQP}
	c.Words[hdrWord] = wqe.CQPQPID.Prep(uint64(i.ID)) |
		wqe.CQPQPType.Prep(uint64(i.Type)) |
		wqe.CQPQPIgnoreMWBound.Prep(wqe.Flag(i.IgnoreMWBound))
	return c
}

// CQInfo describes a completion queue command.
type CQInfo struct {
	ID   uint32
	Size uint32
	// Context is echoed in completion notifications.
	Context          uint64
	RingAddr         uint64
	ShadowAddr       uint64
	Extended         bool
	AvoidMemConflict bool
	CheckOverflow    bool
	CCQ              bool
}

func (i *CQInfo) fill(c *Command) {
	c.Words[0] = uint64(i.Size)
	c.Words[1] = i.Context
	c.Words[4] = i.RingAddr
	c.Words[5] = i.ShadowAddr
	c.Words[hdrWord] = wqe.CQPCQID.Prep(uint64(i.ID)) |
		wqe.CQPCQExtendedCQE.Prep(wqe.Flag(i.Extended)) |
		wqe.CQPCQAvoidMemConflict.Prep(wqe.Flag(i.AvoidMemConflict)) |
		wqe.CQPCQCheckOverflow.Prep(wqe.Flag(i.CheckOverflow)) |
		wqe.CQPCQIsCCQ.Prep(wqe.Flag(i.CCQ))
}

func CreateCQ(i CQInfo) Command {
	c := Command{Op: wqe.CQPOpCreateCQ}
	i.fill(&c)
	return c
}

// ResizeCQ moves a completion queue to the ring in i. Entries already in
// the old ring stay there.
func ResizeCQ(i CQInfo) Command {
	c := Command{Op: wqe.CQPOpModifyCQ}
	i.fill(&c)
	c.Words[hdrWord] |= wqe.CQPCQResize.Prep(1)
	return c
}

func DestroyCQ(id uint32, ccq bool) Command {
	c := Command{Op: wqe.CQPOpDestroyCQ}
	c.Words[hdrWord] = wqe.CQPCQID.Prep(uint64(id)) | wqe.CQPCQIsCCQ.Prep(wqe.Flag(ccq))
	return c
}

// Access rights of a registration.
const (
	AccessLocalWrite  = 1 << 0
	AccessRemoteRead  = 1 << 1
	AccessRemoteWrite = 1 << 2
	AccessBind        = 1 << 3
)

// StagInfo describes a steering tag command. A steering tag is the index
// shifted left by eight plus the key.
type StagInfo struct {
	Index  uint32
	Key    uint8
	PDID   uint32
	VA     uint64
	Len    uint64
	Rights uint8
	// Addr is the physical address of the first page of the region.
	Addr      uint64
	ZeroBased bool
	HPageSize uint8
	// MWType1 selects a type 1 window for AllocMW.
	MWType1 bool
}

// Stag returns the steering tag of the registration.
func (i *StagInfo) Stag() uint32 {
	return i.Index<<8 | uint32(i.Key)
}

func (i *StagInfo) header() uint64 {
	return wqe.CQPStagARights.Prep(uint64(i.Rights)) |
		wqe.CQPStagRemAccess.Prep(wqe.Flag(i.Rights&(AccessRemoteRead|AccessRemoteWrite) != 0)) |
		wqe.CQPStagHPageSize.Prep(uint64(i.HPageSize)) |
		wqe.CQPStagVABasedTO.Prep(wqe.Flag(!i.ZeroBased))
}

// AllocStag reserves a memory region steering tag for a later fast
// register.
func AllocStag(i StagInfo) Command {
	c := Command{Op: wqe.CQPOpAllocStag}
	c.Words[0] = wqe.CQPStagLen.Prep(i.Len) | wqe.CQPStagPDID.Prep(uint64(i.PDID))
	c.Words[1] = wqe.CQPStagKey.Prep(uint64(i.Key)) | wqe.CQPStagIdx.Prep(uint64(i.Index))
	c.Words[hdrWord] = i.header() | wqe.CQPStagMR.Prep(1)
	return c
}

// RegMR registers a physically contiguous region.
func RegMR(i StagInfo) Command {
	c := Command{Op: wqe.CQPOpRegMR}
	c.Words[0] = wqe.CQPStagLen.Prep(i.Len) | wqe.CQPStagPDID.Prep(uint64(i.PDID))
	c.Words[1] = wqe.CQPStagKey.Prep(uint64(i.Key)) | wqe.CQPStagIdx.Prep(uint64(i.Index))
	c.Words[2] = i.VA
	c.Words[4] = i.Addr
	c.Words[hdrWord] = i.header() | wqe.CQPStagMR.Prep(1)
	return c
}

// AllocMW reserves a memory window steering tag.
func AllocMW(i StagInfo) Command {
	c := Command{Op: wqe.CQPOpAllocStag}
	c.Words[0] = wqe.CQPStagPDID.Prep(uint64(i.PDID))
	c.Words[1] = wqe.CQPStagKey.Prep(uint64(i.Key)) | wqe.CQPStagIdx.Prep(uint64(i.Index))
	c.Words[hdrWord] = wqe.CQPStagMWType.Prep(wqe.Flag(i.MWType1))
	return c
}

func DeallocStag(index uint32, mr bool) Command {
	c := Command{Op: wqe.CQPOpDeallocStag}
	c.Words[1] = wqe.CQPStagIdx.Prep(uint64(index))
	c.Words[hdrWord] = wqe.CQPStagMR.Prep(wqe.Flag(mr))
	return c
}

// FlushInfo selects the work queues of a queue pair to flush and the error
// codes reported for the first flushed request of each.
type FlushInfo struct {
	QPID     uint32
	SQ       bool
	RQ       bool
	SQMajor  uint16
	SQMinor  uint16
	RQMajor  uint16
	RQMinor  uint16
	UserCode bool
}

func FlushWQEs(i FlushInfo) Command {
	c := Command{Op: wqe.CQPOpFlushWQEs}
	c.Words[1] = wqe.CQPFlushRQMinErr.Prep(uint64(i.RQMinor)) |
		wqe.CQPFlushRQMajErr.Prep(uint64(i.RQMajor)) |
		wqe.CQPFlushSQMinErr.Prep(uint64(i.SQMinor)) |
		wqe.CQPFlushSQMajErr.Prep(uint64(i.SQMajor))
	c.Words[hdrWord] = wqe.CQPQPID.Prep(uint64(i.QPID)) |
		wqe.CQPFlushSQ.Prep(wqe.Flag(i.SQ)) |
		wqe.CQPFlushRQ.Prep(wqe.Flag(i.RQ)) |
		wqe.CQPFlushUserCode.Prep(wqe.Flag(i.UserCode))
	return c
}

// ManagePushPage maps the push page at addr under index, or releases the
// index when free is set.
func ManagePushPage(index uint16, addr uint64, free bool) Command {
	c := Command{Op: wqe.CQPOpManagePushPage}
	c.Words[0] = addr
	c.Words[hdrWord] = wqe.CQPPushPageIdx.Prep(uint64(index)) | wqe.CQPPushPageFree.Prep(wqe.Flag(free))
	return c
}
