package queue

import (
	"testing"

	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/ring"
	"github.com/slackhq/rdmaring/wqe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostSend_WriteLayout(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.qp.PostSend(write(1, 2)))

	q := f.qp.sqSlot(0, 2)
	hdr := wqe.DecodeSendHeader(wqe.Header(q))
	assert.Equal(t, wqe.OpWrite, hdr.Opcode)
	// Two fragments are terminated by a dummy fragment.
	assert.Equal(t, uint8(2), hdr.AddFragCnt)
	assert.True(t, hdr.Valid)
	assert.True(t, hdr.Signaled)
	assert.Equal(t, uint32(0x55), hdr.RemStag)
	assert.Equal(t, uint64(0x9000), wqe.Get64(q, 16))

	assert.Equal(t, SGE{Addr: 0x1000, Len: 100, LKey: 0x11}, f.qp.ops.Fragment(q, 0))
	assert.Equal(t, SGE{Addr: 0x2000, Len: 100, LKey: 0x11}, f.qp.ops.Fragment(q, 32))
	assert.Equal(t, uint64(1)<<63, wqe.Get64(q, 56))

	assert.Equal(t, uint32(2), f.qp.sqRing.Head())
	assert.Equal(t, trackEntry{wrid: 1, length: 200, quanta: 2, signaled: true}, f.qp.sqTrack[0])
	assert.Equal(t, 1, f.regs.count(hw.RegWQEAlloc))
}

func TestPostSend_Immediate(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	wr := write(1, 1)
	wr.ImmValid = true
	wr.Imm = 0xfeed
	require.NoError(t, f.qp.PostSend(wr))

	q := f.qp.sqSlot(0, 2)
	hdr := wqe.DecodeSendHeader(wqe.Header(q))
	assert.True(t, hdr.Imm)
	assert.Equal(t, uint8(2), hdr.AddFragCnt)
	assert.Equal(t, uint64(0xfeed), wqe.Get64(q, 0))
	assert.Equal(t, uint64(0x1000), f.qp.ops.Fragment(q, 32).Addr)
}

func TestPostSend_Inline(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	buf := f.alloc(64)
	for i := range 40 {
		buf.Buf[i] = byte(i)
	}

	wr := SendWR{ID: 9, Op: wqe.OpSend, Inline: true, SGL: []SGE{{Addr: buf.Addr, Len: 40}}}
	require.NoError(t, f.qp.PostSend(wr))

	q := f.qp.sqSlot(0, 3)
	hdr := wqe.DecodeSendHeader(wqe.Header(q))
	assert.True(t, hdr.Inline)
	assert.Equal(t, uint8(40), hdr.InlineLen)
	assert.Equal(t, wqe.OpSend, hdr.Opcode)
	assert.Equal(t, buf.Buf[:40], f.qp.ops.Inline(q, 40))
	assert.Equal(t, uint32(3), f.qp.sqRing.Head())

	wr.SGL[0].Len = 102
	err := f.qp.PostSend(wr)
	assert.ErrorIs(t, err, ErrInlineTooLarge)
	assert.Equal(t, uint32(3), f.qp.sqRing.Head())

	wr.SGL[0] = SGE{Addr: 0x10, Len: 4}
	assert.ErrorIs(t, f.qp.PostSend(wr), hw.ErrBadAddress)
	assert.Equal(t, uint32(3), f.qp.sqRing.Head())
}

func TestPostSend_ParameterErrors(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	err := f.qp.PostSend(write(1, 14))
	assert.ErrorIs(t, err, ErrTooManyFrags)

	err = f.qp.PostSend(SendWR{Op: wqe.OpRecv})
	assert.ErrorIs(t, err, ErrUnsupportedOp)

	assert.Zero(t, f.qp.sqRing.Head())
	assert.Zero(t, f.regs.count(hw.RegWQEAlloc))
}

func TestPostSend_RingFull(t *testing.T) {
	f := newFixture(t, fixtureOpts{sqDepth: 16})
	for i := range 15 {
		require.NoError(t, f.qp.PostSend(write(uint64(i), 1)))
	}

	err := f.qp.PostSend(write(99, 1))
	assert.ErrorIs(t, err, ring.ErrRingFull)
	assert.Equal(t, uint32(15), f.qp.sqRing.Head())

	// Retiring one descriptor makes room for exactly one more.
	f.sendCQE(0)
	assert.Len(t, f.pollAll(), 1)
	require.NoError(t, f.qp.PostSend(write(100, 1)))
	assert.ErrorIs(t, f.qp.PostSend(write(101, 1)), ring.ErrRingFull)
}

func TestPostSend_ChunkPadding(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	for i := range 6 {
		require.NoError(t, f.qp.PostSend(write(uint64(i), 1)))
	}
	require.Equal(t, uint32(6), f.qp.sqRing.Head())

	// Six fragments take four quanta and do not fit the two quanta left in
	// the chunk.
	require.NoError(t, f.qp.PostSend(write(6, 6)))
	for _, idx := range []uint32{6, 7} {
		hdr := wqe.DecodeSendHeader(wqe.Header(f.qp.sqSlot(idx, 1)))
		assert.Equal(t, wqe.OpNOP, hdr.Opcode, "slot %d", idx)
		assert.False(t, hdr.Signaled)
		assert.True(t, hdr.Valid)
	}
	hdr := wqe.DecodeSendHeader(wqe.Header(f.qp.sqSlot(8, 1)))
	assert.Equal(t, wqe.OpWrite, hdr.Opcode)
	assert.Equal(t, uint64(6), f.qp.sqTrack[8].wrid)
	assert.Equal(t, uint32(12), f.qp.sqRing.Head())

	// A request that fits the chunk is not padded.
	require.NoError(t, f.qp.PostSend(write(7, 6)))
	assert.Equal(t, uint64(7), f.qp.sqTrack[12].wrid)
	assert.Equal(t, uint32(16), f.qp.sqRing.Head())
}

func TestPostSend_PaddingCapacity(t *testing.T) {
	f := newFixture(t, fixtureOpts{sqDepth: 16})
	for i := range 6 {
		require.NoError(t, f.qp.PostSend(write(uint64(i), 1)))
	}
	for i := range 6 {
		f.sendCQE(uint32(i))
	}
	require.Len(t, f.pollAll(), 6)
	for i := range 6 {
		require.NoError(t, f.qp.PostSend(write(uint64(10+i), 1)))
	}
	require.Equal(t, uint32(12), f.qp.sqRing.Head())
	require.Equal(t, uint32(9), f.qp.sqRing.Free())

	// 4 quanta of padding plus 7 for the request do not fit in 9.
	err := f.qp.PostSend(write(20, 13))
	assert.ErrorIs(t, err, ring.ErrRingFull)
	assert.Equal(t, uint32(12), f.qp.sqRing.Head())
}

func TestPostSend_PolarityWrap(t *testing.T) {
	f := newFixture(t, fixtureOpts{sqDepth: 16})
	valid := func(idx uint32) uint64 {
		return wqe.Valid.Get(wqe.Header(f.qp.sqSlot(idx, 1)))
	}

	for i := range 15 {
		require.NoError(t, f.qp.PostSend(write(uint64(i), 1)))
		f.sendCQE(uint32(i))
	}
	require.Len(t, f.pollAll(), 15)
	for i := range uint32(15) {
		assert.Equal(t, uint64(1), valid(i))
	}

	require.NoError(t, f.qp.PostSend(write(15, 1), write(16, 1)))
	assert.Equal(t, uint64(1), valid(15))
	// The second lap starts at slot 0 with the flipped polarity.
	assert.Equal(t, uint64(0), valid(0))
	assert.Equal(t, uint64(1), valid(1))
}

func TestPostSend_Doorbell(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	require.NoError(t, f.qp.PostSend(write(1, 2)))
	assert.Equal(t, 1, f.regs.count(hw.RegWQEAlloc))
	v, _ := f.regs.last(hw.RegWQEAlloc)
	assert.Equal(t, uint32(7), v)

	// The device has not fetched anything yet and keeps going on its own.
	require.NoError(t, f.qp.PostSend(write(2, 1)))
	assert.Equal(t, 1, f.regs.count(hw.RegWQEAlloc))

	// The device stopped at the start of the new batch.
	f.setHWTail(3)
	require.NoError(t, f.qp.PostSend(write(3, 1), write(4, 1)))
	assert.Equal(t, 2, f.regs.count(hw.RegWQEAlloc))

	// A dropped push always rings.
	f.qp.pushDropped = true
	f.setHWTail(0)
	require.NoError(t, f.qp.PostSend(write(5, 1)))
	assert.Equal(t, 3, f.regs.count(hw.RegWQEAlloc))
	assert.False(t, f.qp.pushDropped)

	// Posting nothing does not ring.
	require.NoError(t, f.qp.PostSend())
	assert.Equal(t, 3, f.regs.count(hw.RegWQEAlloc))
}

func TestPostSend_DoorbellWrap(t *testing.T) {
	f := newFixture(t, fixtureOpts{sqDepth: 16})
	for i := range 14 {
		require.NoError(t, f.qp.PostSend(write(uint64(i), 1)))
		f.sendCQE(uint32(i))
	}
	require.Len(t, f.pollAll(), 14)
	f.setHWTail(14)
	before := f.regs.count(hw.RegWQEAlloc)

	// Batch 14..1 wraps; the device tail at 14 lies inside it.
	require.NoError(t, f.qp.PostSend(write(20, 1), write(21, 1), write(22, 1)))
	assert.Equal(t, uint32(1), f.qp.sqRing.Head())
	assert.Equal(t, before+1, f.regs.count(hw.RegWQEAlloc))

	// Tail at 0 is inside the wrapped batch too.
	f.setHWTail(0)
	f.qp.initialHead = 14
	f.qp.ringDoorbell()
	assert.Equal(t, before+2, f.regs.count(hw.RegWQEAlloc))

	// Tail at 5 is outside.
	f.setHWTail(5)
	f.qp.initialHead = 14
	f.qp.ringDoorbell()
	assert.Equal(t, before+2, f.regs.count(hw.RegWQEAlloc))
}

func TestPostSend_Push(t *testing.T) {
	f := newFixture(t, fixtureOpts{features: hw.FeaturePushMode, push: true})

	require.NoError(t, f.qp.PostSend(write(1, 1)))
	assert.True(t, f.qp.PushMode())
	assert.Zero(t, f.regs.count(hw.RegWQEAlloc))
	v, ok := f.regs.last(hw.RegPushDB)
	require.True(t, ok)
	assert.Equal(t, uint32(7), uint32(wqe.PushDBQPID.Get(uint64(v))))
	assert.Equal(t, f.qp.sqSlot(0, 1), f.push.Buf[:32])
	assert.True(t, wqe.SQPushWQE.IsSet(wqe.Header(f.push.Buf)))

	// Push mode stays on while descriptors are outstanding.
	require.NoError(t, f.qp.PostSend(write(2, 1)))
	assert.Equal(t, 2, f.regs.count(hw.RegPushDB))
	assert.Equal(t, f.qp.sqSlot(1, 1), f.push.Buf[32:64])

	// A dropped push turns push mode off and forces the normal doorbell.
	f.writeCQE(wqe.CQE{SQ: true, WQEIdx: 0, Op: wqe.OpWrite, PushDropped: true})
	cs := f.pollAll()
	require.Len(t, cs, 1)
	assert.True(t, cs[0].PushDropped)
	assert.False(t, f.qp.PushMode())

	require.NoError(t, f.qp.PostSend(write(3, 1)))
	assert.Equal(t, 2, f.regs.count(hw.RegPushDB))
	assert.Equal(t, 1, f.regs.count(hw.RegWQEAlloc))
}

func TestPostSend_PushAfterPaddingUsesDoorbell(t *testing.T) {
	f := newFixture(t, fixtureOpts{features: hw.FeaturePushMode, push: true})
	for i := range 7 {
		require.NoError(t, f.qp.PostSend(write(uint64(i), 1)))
	}
	pushes := f.regs.count(hw.RegPushDB)

	// A two quanta request at slot 7 is padded to slot 8.
	require.NoError(t, f.qp.PostSend(write(7, 2)))
	assert.Equal(t, pushes, f.regs.count(hw.RegPushDB))
	assert.False(t, wqe.SQPushWQE.IsSet(wqe.Header(f.qp.sqSlot(8, 1))))
}

func TestPostSend_Ops(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.qp.PostSend(
		SendWR{ID: 1, Op: wqe.OpBindMW, Bind: BindInfo{MRStag: 0x100, MWStag: 0x200, VA: 0x5000, Len: 64, Rights: 3, Type1: true}},
		SendWR{ID: 2, Op: wqe.OpLocalInv, LocalStag: 0x300},
		SendWR{ID: 3, Op: wqe.OpFastRegister, FastReg: FastRegInfo{Stag: 0x4401, VA: 0x7000, Len: 8192, PBLAddr: 0x10000, Rights: 1}},
		SendWR{ID: 4, Op: wqe.OpNOP, Signaled: true},
		SendWR{ID: 5, Op: wqe.OpRead, SGL: []SGE{{Addr: 0x100, Len: 8}}, RemoteAddr: 0x200, RKey: 9},
		SendWR{ID: 6, Op: wqe.OpSendInv, SGL: []SGE{{Addr: 0x100, Len: 8}}, InvalidateStag: 0x700},
	))

	bind := f.qp.sqSlot(0, 1)
	h := wqe.DecodeSendHeader(wqe.Header(bind))
	assert.Equal(t, wqe.OpBindMW, h.Opcode)
	assert.Equal(t, uint8(3), h.StagRights)
	assert.True(t, h.WindowType1)
	assert.Equal(t, wqe.BindWindow{MRStag: 0x100, MWStag: 0x200, VA: 0x5000, Len: 64}, f.qp.ops.BindWindow(bind))

	inv := f.qp.sqSlot(1, 1)
	assert.Equal(t, wqe.OpLocalInv, wqe.DecodeSendHeader(wqe.Header(inv)).Opcode)
	assert.Equal(t, uint64(0x300), wqe.SQLocStag.Get(wqe.Get64(inv, 8)))

	fr := f.qp.sqSlot(2, 1)
	hdr := wqe.Header(fr)
	assert.Equal(t, wqe.OpFastRegister, wqe.Opcode(wqe.SQOpcode.Get(hdr)))
	assert.Equal(t, uint64(0x01), wqe.SQStagKey.Get(hdr))
	assert.Equal(t, uint64(0x44), wqe.SQStagIndex.Get(hdr))
	assert.Equal(t, uint64(0x7000), wqe.Get64(fr, 0))
	assert.Equal(t, uint64(0x10000), wqe.SQPBLAddr.Get(wqe.Get64(fr, 8))<<wqe.PBLAddrShift)
	assert.Equal(t, uint64(8192), wqe.SQFastRegLen.Get(wqe.Get64(fr, 16)))

	nop := wqe.DecodeSendHeader(wqe.Header(f.qp.sqSlot(3, 1)))
	assert.Equal(t, wqe.OpNOP, nop.Opcode)
	assert.True(t, nop.Signaled)

	rd := wqe.DecodeSendHeader(wqe.Header(f.qp.sqSlot(4, 1)))
	assert.Equal(t, wqe.OpRead, rd.Opcode)
	assert.Equal(t, uint32(9), rd.RemStag)

	si := wqe.DecodeSendHeader(wqe.Header(f.qp.sqSlot(5, 1)))
	assert.Equal(t, wqe.OpSendInv, si.Opcode)
	assert.Equal(t, uint32(0x700), si.RemStag)

	err := f.qp.PostSend(SendWR{Op: wqe.OpFastRegister, FastReg: FastRegInfo{PBLAddr: 0x10010}})
	assert.ErrorContains(t, err, "not page aligned")
}

func TestPostSend_Gen1(t *testing.T) {
	f := newFixture(t, fixtureOpts{gen: wqe.Gen1})
	wqe.SetHeader(f.qp.sqSlot(1, 1), wqe.Valid.Prep(1))

	require.NoError(t, f.qp.PostSend(write(1, 1)))
	// A single quantum leaving the head odd clears the next valid bit.
	assert.Equal(t, uint64(0), wqe.Valid.Get(wqe.Header(f.qp.sqSlot(1, 1))))

	require.NoError(t, f.qp.PostSend(write(2, 2)))
	h := wqe.DecodeSendHeader(wqe.Header(f.qp.sqSlot(1, 1)))
	// No dummy fragment on generation 1.
	assert.Equal(t, uint8(1), h.AddFragCnt)

	buf := f.alloc(8)
	wr := SendWR{Op: wqe.OpWrite, Inline: true, ImmValid: true, SGL: []SGE{{Addr: buf.Addr, Len: 8}}}
	assert.ErrorIs(t, f.qp.PostSend(wr), ErrUnsupportedOp)
}

func TestPostSend_InError(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.qp.SetError()
	assert.True(t, f.qp.InError())
	assert.ErrorIs(t, f.qp.PostSend(write(1, 1)), ErrQueueInError)
	assert.ErrorIs(t, f.qp.PostRecv(recv(1)), ErrQueueInError)
}

func TestPostRecv(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	wr := RecvWR{ID: 42, SGL: []SGE{{Addr: 0x10, Len: 1, LKey: 2}, {Addr: 0x20, Len: 3, LKey: 4}}}
	require.NoError(t, f.qp.PostRecv(wr))

	q := f.qp.rqSlot(0)
	hdr := wqe.Header(q)
	assert.True(t, wqe.Valid.IsSet(hdr))
	assert.Equal(t, uint64(2), wqe.SQAddFragCnt.Get(hdr))
	assert.Equal(t, wr.SGL[0], f.qp.ops.Fragment(q, 0))
	assert.Equal(t, wr.SGL[1], f.qp.ops.Fragment(q, 32))
	assert.Equal(t, uint64(42), f.qp.rqWRID[0])

	assert.ErrorIs(t, f.qp.PostRecv(RecvWR{SGL: make([]SGE, 5)}), ErrTooManyFrags)

	for i := range 6 {
		require.NoError(t, f.qp.PostRecv(recv(uint64(i))))
	}
	assert.ErrorIs(t, f.qp.PostRecv(recv(7)), ring.ErrRingFull)
	assert.Equal(t, uint32(7), f.qp.rqRing.Used())
}

func TestNewQP_Validation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	base := QPInit{
		SQ:         f.alloc(32 * wqe.QuantumSize),
		SQDepth:    32,
		RQ:         f.alloc(8 * 4 * wqe.QuantumSize),
		RQDepth:    8,
		RQShift:    2,
		Shadow:     f.alloc(wqe.ShadowAreaSize),
		MaxSQFrags: 2,
		MaxRQFrags: 2,
		SendCQ:     f.cq,
		RecvCQ:     f.cq,
	}
	_, err := NewQP(f.dev, f.owners, base)
	require.NoError(t, err)

	tests := []struct {
		name   string
		modify func(*QPInit)
		err    string
	}{
		{"sq depth", func(i *QPInit) { i.SQDepth = 24 }, "send queue depth"},
		{"sq chunk", func(i *QPInit) { i.SQDepth = 4 }, "chunk"},
		{"sq reserve", func(i *QPInit) { i.SQReserve = 32 }, "reserve"},
		{"sq buffer", func(i *QPInit) { i.SQDepth = 256 }, "send queue buffer"},
		{"rq shift", func(i *QPInit) { i.MaxRQFrags = 8 }, "cannot hold"},
		{"inline", func(i *QPInit) { i.MaxInline = 500 }, "max inline"},
		{"relaxed", func(i *QPInit) { i.RelaxedRQ = true }, "relaxed"},
		{"push", func(i *QPInit) { i.Push = hw.DMA{Buf: make([]byte, 4096)} }, "push mode"},
		{"cq", func(i *QPInit) { i.RecvCQ = nil }, "completion queue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			init := base
			tt.modify(&init)
			_, err := NewQP(f.dev, f.owners, init)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestDepth(t *testing.T) {
	attrs := hw.DefaultAttrs(wqe.Gen2)
	d, err := SQDepth(&attrs, 100, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(512), d)

	d, err = RQDepth(&attrs, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), d)

	_, err = SQDepth(&attrs, 8192, 3)
	assert.Error(t, err)
}
