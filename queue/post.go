package queue

import (
	"fmt"

	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/ring"
	"github.com/slackhq/rdmaring/wqe"
)

// SendWR is a send queue work request. Which fields are used depends on Op.
type SendWR struct {
	ID uint64
	Op wqe.Opcode

	SGL []SGE
	// Inline copies the SGL payload into the descriptor for writes and
	// sends.
	Inline bool

	Imm      uint32
	ImmValid bool

	Signaled   bool
	ReadFence  bool
	LocalFence bool
	ReportRTT  bool

	// RemoteAddr and RKey address the peer buffer of writes and reads.
	RemoteAddr uint64
	RKey       uint32

	// InvalidateStag is invalidated at the peer by the invalidating sends.
	InvalidateStag uint32
	// DestQPN and QKey address unconnected sends.
	DestQPN uint32
	QKey    uint32

	// Bind is used by OpBindMW.
	Bind BindInfo
	// LocalStag is invalidated by OpLocalInv.
	LocalStag uint32
	// FastReg is used by OpFastRegister.
	FastReg FastRegInfo
}

// BindInfo binds a memory window to a region.
type BindInfo struct {
	MRStag    uint32
	MWStag    uint32
	VA        uint64
	Len       uint64
	Rights    uint8
	ZeroBased bool
	// Type1 selects a type 1 window.
	Type1 bool
}

// FastRegInfo registers a physically contiguous region through the send
// queue.
type FastRegInfo struct {
	Stag      uint32
	VA        uint64
	Len       uint64
	PBLAddr   uint64
	Rights    uint8
	ZeroBased bool
	HPageSize uint8
}

// PostSend encodes the work requests into the send queue and notifies the
// device. Requests are posted in order; on the first failure the error is
// returned and the rest are not posted. Requests posted before the failure
// are handed to the device.
func (qp *QP) PostSend(wrs ...SendWR) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	if qp.inError.Load() || qp.sqFlush.seen {
		return ErrQueueInError
	}

	var err error
	for i := range wrs {
		if err = qp.postSend(&wrs[i]); err != nil {
			err = fmt.Errorf("post send %d (wrid %#x): %w", i, wrs[i].ID, err)
			break
		}
	}
	qp.ringDoorbell()
	return err
}

func (qp *QP) postSend(wr *SendWR) error {
	switch wr.Op {
	case wqe.OpWrite:
		if wr.Inline {
			return qp.postInline(wr, wr.RemoteAddr, wr.RKey)
		}
		return qp.postFragments(wr, wr.RemoteAddr, wr.RKey, wr.ImmValid)
	case wqe.OpRead:
		return qp.postFragments(wr, wr.RemoteAddr, wr.RKey, false)
	case wqe.OpSend, wqe.OpSendSol, wqe.OpSendInv, wqe.OpSendSolInv:
		qword2 := wqe.SQDestQKey.Prep(uint64(wr.QKey)) | wqe.SQDestQPN.Prep(uint64(wr.DestQPN))
		if wr.Inline {
			return qp.postInline(wr, qword2, wr.InvalidateStag)
		}
		return qp.postFragments(wr, qword2, wr.InvalidateStag, wr.ImmValid)
	case wqe.OpBindMW:
		return qp.postBind(wr)
	case wqe.OpLocalInv:
		return qp.postLocalInvalidate(wr)
	case wqe.OpFastRegister:
		return qp.postFastRegister(wr)
	case wqe.OpNOP:
		return qp.postNOP(wr)
	}
	return fmt.Errorf("%w: %v", ErrUnsupportedOp, wr.Op)
}

func sglLength(sgl []SGE) uint32 {
	var total uint32
	for i := range sgl {
		total += sgl[i].Len
	}
	return total
}

func firstSGE(sgl []SGE) *SGE {
	if len(sgl) == 0 {
		return nil
	}
	return &sgl[0]
}

// flags returns the header bits every descriptor shares.
func (wr *SendWR) flags(polarity uint8) uint64 {
	return wqe.SQReadFence.Prep(wqe.Flag(wr.ReadFence)) |
		wqe.SQLocalFence.Prep(wqe.Flag(wr.LocalFence)) |
		wqe.SQSigCompl.Prep(wqe.Flag(wr.Signaled)) |
		wqe.Valid.Prep(uint64(polarity))
}

// postFragments writes a write, read or send whose payload is described by
// the SGL. qword2 is the remote address or the unconnected destination.
func (qp *QP) postFragments(wr *SendWR, qword2 uint64, stag uint32, imm bool) error {
	n := uint32(len(wr.SGL))
	if n > qp.maxSQFrags {
		return fmt.Errorf("%w: %d > %d", ErrTooManyFrags, n, qp.maxSQFrags)
	}
	frags := n
	if imm {
		frags++
	}
	quanta, err := wqe.FragQuanta(frags)
	if err != nil {
		return err
	}

	s, err := qp.nextSendSlot(quanta, sglLength(wr.SGL), wr)
	if err != nil {
		return err
	}

	q := s.wqe
	wqe.Set64(q, 16, qword2)
	i := uint32(0)
	if imm {
		wqe.Set64(q, 0, uint64(wr.Imm))
	} else {
		qp.ops.SetFragment(q, 0, firstSGE(wr.SGL), s.polarity)
		i = 1
	}
	off := wqe.FragmentOffset(1)
	for ; i < n; i++ {
		qp.ops.SetFragment(q, off, &wr.SGL[i], s.polarity)
		off += 16
	}

	var addl uint32
	if frags > 1 {
		addl = frags - 1
	}
	if qp.ops.DummyFragment(frags) {
		qp.ops.SetFragment(q, off, nil, s.polarity)
		addl++
	}

	hdr := wqe.SQRemStag.Prep(uint64(stag)) |
		wqe.SQOpcode.Prep(uint64(wr.Op)) |
		wqe.SQImmDataFlag.Prep(wqe.Flag(imm)) |
		wqe.SQReportRTT.Prep(wqe.Flag(wr.ReportRTT)) |
		wqe.SQAddFragCnt.Prep(uint64(addl)) |
		wqe.SQPushWQE.Prep(wqe.Flag(s.push)) |
		wr.flags(s.polarity)
	qp.publish(s, hdr)
	return nil
}

// postInline writes a write or send carrying its payload in the descriptor.
func (qp *QP) postInline(wr *SendWR, qword2 uint64, stag uint32) error {
	total := sglLength(wr.SGL)
	if total > qp.maxInline {
		return fmt.Errorf("%w: %d > %d", ErrInlineTooLarge, total, qp.maxInline)
	}
	if wr.ImmValid && !qp.inlineImm {
		return fmt.Errorf("%w: immediate data with inline payload", ErrUnsupportedOp)
	}

	data := make([][]byte, 0, len(wr.SGL))
	for i := range wr.SGL {
		b, err := qp.dev.Mem.Layout().Translate(wr.SGL[i].Addr, int(wr.SGL[i].Len))
		if err != nil {
			return fmt.Errorf("inline fragment %d: %w", i, err)
		}
		data = append(data, b)
	}

	s, err := qp.nextSendSlot(qp.ops.InlineQuanta(total), total, wr)
	if err != nil {
		return err
	}

	q := s.wqe
	wqe.Set64(q, 16, qword2)
	if wr.ImmValid {
		wqe.Set64(q, 0, uint64(wr.Imm))
	}
	qp.ops.CopyInline(q, data, s.polarity)

	hdr := wqe.SQRemStag.Prep(uint64(stag)) |
		wqe.SQOpcode.Prep(uint64(wr.Op)) |
		wqe.SQInlineDataLen.Prep(uint64(total)) |
		wqe.SQInlineDataFlag.Prep(1) |
		wqe.SQImmDataFlag.Prep(wqe.Flag(wr.ImmValid)) |
		wqe.SQReportRTT.Prep(wqe.Flag(wr.ReportRTT)) |
		wqe.SQPushWQE.Prep(wqe.Flag(s.push)) |
		wr.flags(s.polarity)
	qp.publish(s, hdr)
	return nil
}

func (qp *QP) postBind(wr *SendWR) error {
	s, err := qp.nextSendSlot(wqe.MinQuanta, 0, wr)
	if err != nil {
		return err
	}

	b := &wr.Bind
	qp.ops.SetBindWindow(s.wqe, &wqe.BindWindow{MRStag: b.MRStag, MWStag: b.MWStag, VA: b.VA, Len: b.Len})
	hdr := wqe.SQOpcode.Prep(uint64(wqe.OpBindMW)) |
		wqe.SQStagRights.Prep(uint64(b.Rights)) |
		wqe.SQVABasedTO.Prep(wqe.Flag(!b.ZeroBased)) |
		wqe.SQMemWindowType.Prep(wqe.Flag(b.Type1)) |
		wqe.SQPushWQE.Prep(wqe.Flag(s.push)) |
		wr.flags(s.polarity)
	qp.publish(s, hdr)
	return nil
}

func (qp *QP) postLocalInvalidate(wr *SendWR) error {
	s, err := qp.nextSendSlot(wqe.MinQuanta, 0, wr)
	if err != nil {
		return err
	}

	wqe.Set64(s.wqe, 0, 0)
	wqe.Set64(s.wqe, 8, wqe.SQLocStag.Prep(uint64(wr.LocalStag)))
	wqe.Set64(s.wqe, 16, 0)
	hdr := wqe.SQOpcode.Prep(uint64(wqe.OpLocalInv)) |
		wqe.SQPushWQE.Prep(wqe.Flag(s.push)) |
		wr.flags(s.polarity)
	qp.publish(s, hdr)
	return nil
}

func (qp *QP) postFastRegister(wr *SendWR) error {
	f := &wr.FastReg
	if f.PBLAddr&(1<<wqe.PBLAddrShift-1) != 0 {
		return fmt.Errorf("fast register pbl address %#x is not page aligned", f.PBLAddr)
	}
	s, err := qp.nextSendSlot(wqe.MinQuanta, 0, wr)
	if err != nil {
		return err
	}

	va := f.VA
	if f.ZeroBased {
		va = 0
	}
	wqe.Set64(s.wqe, 0, va)
	wqe.Set64(s.wqe, 8, wqe.SQPBLAddr.Prep(f.PBLAddr>>wqe.PBLAddrShift))
	wqe.Set64(s.wqe, 16, wqe.SQFastRegLen.Prep(f.Len))
	hdr := wqe.SQStagKey.Prep(uint64(f.Stag)) |
		wqe.SQStagIndex.Prep(uint64(f.Stag>>8)) |
		wqe.SQHPageSize.Prep(uint64(f.HPageSize)) |
		wqe.SQStagRights.Prep(uint64(f.Rights)) |
		wqe.SQVABasedTO.Prep(wqe.Flag(!f.ZeroBased)) |
		wqe.SQOpcode.Prep(uint64(wqe.OpFastRegister)) |
		wqe.SQPushWQE.Prep(wqe.Flag(s.push)) |
		wr.flags(s.polarity)
	qp.publish(s, hdr)
	return nil
}

func (qp *QP) postNOP(wr *SendWR) error {
	s, err := qp.nextSendSlot(wqe.MinQuanta, 0, wr)
	if err != nil {
		return err
	}
	wqe.Set64(s.wqe, 0, 0)
	wqe.Set64(s.wqe, 8, 0)
	wqe.Set64(s.wqe, 16, 0)
	qp.publish(s, wqe.NOPHeader(wr.Signaled, s.polarity))
	return nil
}

// sendSlot is a send descriptor allocated by nextSendSlot.
type sendSlot struct {
	idx      uint32
	quanta   uint16
	polarity uint8
	wqe      []byte
	// push is set when the descriptor may go through the push page.
	push bool
}

// nextSendSlot allocates quanta contiguous quanta that do not cross a chunk
// boundary. When the request does not fit in the rest of the current chunk
// the chunk is padded with no-op descriptors first. Nothing is changed when
// the ring cannot hold the padding and the request.
func (qp *QP) nextSendSlot(quanta uint16, length uint32, wr *SendWR) (sendSlot, error) {
	chunk := qp.dev.Attrs.MaxSQChunk
	avail := chunk - qp.sqRing.Head()%chunk
	padded := false

	if uint32(quanta) <= avail {
		if uint32(quanta) > qp.sqRing.Free() {
			return sendSlot{}, ring.ErrRingFull
		}
	} else {
		if uint32(quanta)+avail > qp.sqRing.Free() {
			return sendSlot{}, ring.ErrRingFull
		}
		for range avail {
			qp.padNOP()
			qp.sqRing.MoveHeadNoCheck()
		}
		qp.metrics.nopPadding.Inc(int64(avail))
		padded = true
	}

	idx := qp.sqRing.Head()
	if idx == 0 {
		qp.swqePolarity ^= 1
	}
	qp.sqRing.MoveHeadByNoCheck(uint32(quanta))

	if next := qp.sqRing.Head(); qp.ops.InvalidateNext(quanta, next) {
		wqe.SetHeader(qp.sqSlot(next, 1), wqe.Valid.Prep(uint64(qp.swqePolarity^1)))
	}

	qp.sqTrack[idx] = trackEntry{
		wrid:     wr.ID,
		length:   length,
		quanta:   quanta,
		signaled: wr.Signaled,
	}

	return sendSlot{
		idx:      idx,
		quanta:   quanta,
		polarity: qp.swqePolarity,
		wqe:      qp.sqSlot(idx, quanta),
		// Padding no-ops only reach the device through the normal
		// doorbell, so the descriptor behind them does too.
		push: qp.push != nil && !padded,
	}, nil
}

// padNOP writes an unsignaled no-op at the send queue head.
func (qp *QP) padNOP() {
	idx := qp.sqRing.Head()
	q := qp.sqSlot(idx, 1)
	qp.sqTrack[idx] = trackEntry{quanta: wqe.MinQuanta}
	wqe.Set64(q, 0, 0)
	wqe.Set64(q, 8, 0)
	wqe.Set64(q, 16, 0)
	wqe.SetHeader(q, wqe.NOPHeader(false, qp.swqePolarity))
}

// publish writes the header of the descriptor in s, handing it to the
// device, and takes the push path when the descriptor is eligible.
func (qp *QP) publish(s sendSlot, hdr uint64) {
	wqe.SetHeader(s.wqe, hdr)
	qp.metrics.posted.Inc(1)
	if s.push {
		qp.pushWQE(s)
	}
}

// pushWQE mirrors the descriptor to the push page and rings the push
// doorbell when the device has retired everything before this batch or push
// mode is already active. Otherwise the descriptor waits for the normal
// doorbell.
func (qp *QP) pushWQE(s sendSlot) {
	if qp.initialHead != qp.sqRing.Tail() && !qp.pushMode {
		return
	}

	off := (s.idx & 7) * wqe.QuantumSize
	copy(qp.push[off:off+uint32(len(s.wqe))], s.wqe)
	qp.dev.Regs.Write32(hw.RegPushDB,
		uint32(wqe.PushDBDescIndex.Prep(uint64(s.idx>>3))|wqe.PushDBQPID.Prep(uint64(qp.id))))

	qp.initialHead = qp.sqRing.Head()
	qp.pushMode = true
	qp.pushDropped = false
	qp.metrics.push.Inc(1)
}

// ringDoorbell notifies the device of descriptors posted since the last
// call. The doorbell is skipped while the device is still working through
// earlier descriptors, because it keeps fetching until it reaches a slot
// with a stale polarity. It is never skipped after a dropped push.
func (qp *QP) ringDoorbell() {
	hwTail := uint32(wqe.QPShadowHWSQTail.Get(wqe.Load64(qp.shadow, 0)))
	head := qp.sqRing.Head()

	if head != qp.initialHead {
		doorbell := false
		switch {
		case qp.pushDropped:
			doorbell = true
			qp.pushDropped = false
		case head == hwTail:
		case head > qp.initialHead:
			doorbell = hwTail >= qp.initialHead && hwTail < head
		default:
			doorbell = hwTail >= qp.initialHead || hwTail < head
		}

		if doorbell {
			qp.dev.Regs.Write32(hw.RegWQEAlloc, qp.id)
			qp.metrics.doorbells.Inc(1)
		} else {
			qp.metrics.doorbellsSuppressed.Inc(1)
		}
	}

	qp.initialHead = head
}
