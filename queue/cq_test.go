package queue

import (
	"testing"

	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/wqe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCQ_SendOrder(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.qp.PostSend(write(1, 1), write(2, 2), write(3, 1)))

	f.sendCQE(0)
	f.sendCQE(1)
	f.sendCQE(3)
	cs := f.pollAll()
	require.Len(t, cs, 3)
	assert.Equal(t, []uint64{1, 2, 3}, wrids(cs))
	for _, c := range cs {
		assert.Equal(t, SendQueue, c.Queue)
		assert.Equal(t, StatusSuccess, c.Status)
		assert.Equal(t, OutcomeSuccess, c.Outcome)
		assert.Equal(t, uint32(7), c.QPID)
		assert.Equal(t, f.qp.Handle(), c.QP)
		assert.True(t, c.Signaled)
		assert.NoError(t, c.Err())
	}
	assert.Equal(t, uint32(100), cs[0].Bytes)
	assert.Equal(t, uint32(200), cs[1].Bytes)

	sq, _ := f.qp.Outstanding()
	assert.Zero(t, sq)
	assert.Equal(t, uint64(3), wqe.Load64(f.cqShadow.Buf, wqe.CQShadowHeadOffset))
}

func TestCQ_Empty(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := f.cq.PollOne()
	assert.ErrorIs(t, err, ErrNoEntry)

	cs, err := f.cq.Poll(4)
	require.NoError(t, err)
	assert.Empty(t, cs)
}

func TestCQ_UnknownOwner(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.qp.PostSend(write(1, 1)))

	f.writeCQE(wqe.CQE{SQ: true, Op: wqe.OpWrite, Context: uint64(makeHandle(5, 40))})
	_, err := f.cq.PollOne()
	assert.ErrorIs(t, err, ErrSkip)

	// The skipped entry was retired.
	_, err = f.cq.PollOne()
	assert.ErrorIs(t, err, ErrNoEntry)
	assert.Equal(t, uint32(1), f.cq.cur.ring.Head())

	sq, _ := f.qp.Outstanding()
	assert.Equal(t, uint32(1), sq)
}

func TestCQ_RetiredOwner(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.qp.PostSend(write(1, 1), write(2, 1)))
	f.sendCQE(0)
	f.qp.Retire()
	f.sendCQE(1)

	assert.Empty(t, f.pollAll())
	assert.Nil(t, f.owners.Get(f.qp.Handle()))
	assert.Equal(t, uint32(2), f.cq.cur.ring.Head())
}

func TestCQ_OutOfRangeIndex(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.qp.PostSend(write(1, 1)))
	f.writeCQE(wqe.CQE{SQ: true, WQEIdx: 40, Op: wqe.OpWrite})

	_, err := f.cq.PollOne()
	assert.ErrorIs(t, err, ErrSkip)
	sq, _ := f.qp.Outstanding()
	assert.Equal(t, uint32(1), sq)
}

func TestCQ_PolarityWrap(t *testing.T) {
	f := newFixture(t, fixtureOpts{cqSize: 4})
	for i := range uint64(11) {
		require.NoError(t, f.qp.PostSend(write(i, 1)))
		f.sendCQE(uint32(i))
		c, err := f.cq.PollOne()
		require.NoError(t, err)
		assert.Equal(t, i, c.WRID)

		_, err = f.cq.PollOne()
		require.ErrorIs(t, err, ErrNoEntry, "lap entry %d", i)
	}
	assert.Equal(t, uint32(3), f.cq.cur.ring.Head())
	// Two full laps flipped the expected polarity back.
	assert.Equal(t, uint8(1), f.cq.cur.polarity)
}

func TestCQ_StaleEntryIsNotConsumed(t *testing.T) {
	f := newFixture(t, fixtureOpts{cqSize: 4})
	require.NoError(t, f.qp.PostSend(write(1, 1)))

	// An entry carrying the polarity of the previous lap.
	e := wqe.CQE{SQ: true, Op: wqe.OpWrite, Context: uint64(f.qp.Handle())}
	e.Encode(f.cqRing.Buf, nil, 0)

	_, err := f.cq.PollOne()
	assert.ErrorIs(t, err, ErrNoEntry)
	assert.Zero(t, f.cq.cur.ring.Head())
}

func TestCQ_ExtendedWrap(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		features: hw.FeatureExtendedCQE,
		extended: true,
		cqSize:   4,
	})
	require.NoError(t, f.qp.PostSend(write(1, 1), write(2, 1), write(3, 1)))
	require.NoError(t, f.qp.PostRecv(recv(100)))

	for i := range uint32(3) {
		f.sendCQE(i)
	}
	assert.Equal(t, []uint64{1, 2, 3}, wrids(f.pollAll()))

	// The extension quantum lands on slot 0 of the next lap.
	f.writeCQE(wqe.CQE{WQEIdx: 0, Op: wqe.OpRecvImm, PayloadLen: 64, Extended: true, ImmValid: true, Imm: 0xabcd})
	cs := f.pollAll()
	require.Len(t, cs, 1)
	assert.Equal(t, uint64(100), cs[0].WRID)
	assert.True(t, cs[0].ImmValid)
	assert.Equal(t, uint32(0xabcd), cs[0].Imm)
	assert.Equal(t, uint32(64), cs[0].Bytes)
	assert.Equal(t, RecvQueue, cs[0].Queue)

	// Both quanta were consumed.
	assert.Equal(t, uint32(1), f.cq.cur.ring.Head())
	assert.Equal(t, uint8(0), f.cq.cur.polarity)

	require.NoError(t, f.qp.PostSend(write(4, 1)))
	f.sendCQE(3)
	assert.Equal(t, []uint64{4}, wrids(f.pollAll()))
}

func TestCQ_ExtendedWaitsForSecondQuantum(t *testing.T) {
	f := newFixture(t, fixtureOpts{features: hw.FeatureExtendedCQE, extended: true})
	require.NoError(t, f.qp.PostRecv(recv(100)))

	e := wqe.CQE{Op: wqe.OpRecvImm, Extended: true, Context: uint64(f.qp.Handle())}
	e.Encode(f.cqRing.Buf, nil, 1)

	_, err := f.cq.PollOne()
	assert.ErrorIs(t, err, ErrNoEntry)
	assert.Zero(t, f.cq.cur.ring.Head())
}

func TestCQ_AvoidMemConflict(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		features: hw.FeatureExtendedCQE | hw.FeatureAvoidMemConflict,
		extended: true,
		amc:      true,
		cqSize:   4,
	})
	require.NoError(t, f.qp.PostRecv(recv(100), recv(101)))

	f.writeCQE(wqe.CQE{WQEIdx: 0, Op: wqe.OpRecvImm, PayloadLen: 8, Extended: true, ImmValid: true, Imm: 9})
	f.recvCQE(1, 16)
	cs := f.pollAll()
	require.Len(t, cs, 2)
	assert.Equal(t, []uint64{100, 101}, wrids(cs))
	assert.Equal(t, uint32(9), cs[0].Imm)
	assert.True(t, cs[0].ImmValid)
	assert.False(t, cs[1].ImmValid)
	// Every entry takes one 64 byte slot.
	assert.Equal(t, uint32(2), f.cq.cur.ring.Head())
}

func TestCQ_InvalidatedStag(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.qp.PostRecv(recv(100)))
	f.writeCQE(wqe.CQE{Op: wqe.OpSendInv, PayloadLen: 12, StagValid: true, InvStag: 0x4401, SOEvent: true})

	cs := f.pollAll()
	require.Len(t, cs, 1)
	assert.True(t, cs[0].StagValid)
	assert.Equal(t, uint32(0x4401), cs[0].InvalidatedStag)
	assert.True(t, cs[0].SolicitedEvent)
}

func TestCQ_Arm(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	f.cq.Arm(false)
	v := wqe.Load64(f.cqShadow.Buf, wqe.CQShadowArmOffset)
	assert.Equal(t, uint64(1), wqe.CQShadowArmSeqNum.Get(v))
	assert.True(t, wqe.CQShadowArmNext.IsSet(v))
	assert.True(t, wqe.CQShadowArmNextSE.IsSet(v))
	got, ok := f.regs.last(hw.RegCQArm)
	require.True(t, ok)
	assert.Equal(t, uint32(3), got)

	f.cq.Arm(true)
	v = wqe.Load64(f.cqShadow.Buf, wqe.CQShadowArmOffset)
	assert.Equal(t, uint64(2), wqe.CQShadowArmSeqNum.Get(v))
	assert.False(t, wqe.CQShadowArmNext.IsSet(v))
	assert.True(t, wqe.CQShadowArmNextSE.IsSet(v))

	// The sequence number is two bits wide.
	f.cq.Arm(false)
	f.cq.Arm(false)
	v = wqe.Load64(f.cqShadow.Buf, wqe.CQShadowArmOffset)
	assert.Zero(t, wqe.CQShadowArmSeqNum.Get(v))
	assert.Equal(t, 4, f.regs.count(hw.RegCQArm))
}

func TestCQ_Resize(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.qp.PostSend(write(1, 1), write(2, 1), write(3, 1)))
	f.sendCQE(0)
	f.sendCQE(1)
	live := f.mem.Live()

	_, err := f.cq.PrepareResize(2)
	assert.Error(t, err)

	_, err = f.cq.PrepareResize(16)
	require.NoError(t, err)
	_, err = f.cq.PrepareResize(16)
	assert.ErrorContains(t, err, "already in progress")
	require.NoError(t, f.cq.CommitResize())
	assert.Equal(t, uint32(16), f.cq.Size())
	assert.Equal(t, 1, f.cq.Resizing())

	// The device continues on the new ring.
	f.cqHead, f.cqPol = 0, 1
	f.sendCQE(2)

	c, err := f.cq.Poll(1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, wrids(c))
	assert.Equal(t, 1, f.cq.Resizing())

	c, err = f.cq.Poll(8)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, wrids(c))
	assert.Zero(t, f.cq.Resizing())
	assert.Equal(t, live, f.mem.Live())

	v := wqe.Load64(f.cqShadow.Buf, wqe.CQShadowArmOffset)
	assert.Equal(t, uint64(1), wqe.CQShadowSWCQSelect.Get(v))
	assert.Equal(t, uint64(1), wqe.Load64(f.cqShadow.Buf, wqe.CQShadowHeadOffset))
}

func TestCQ_ResizePollOne(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.qp.PostSend(write(1, 1), write(2, 1), write(3, 1)))
	f.sendCQE(0)
	f.sendCQE(1)
	live := f.mem.Live()

	_, err := f.cq.PrepareResize(16)
	require.NoError(t, err)
	require.NoError(t, f.cq.CommitResize())
	f.cqHead, f.cqPol = 0, 1
	f.sendCQE(2)

	for _, id := range []uint64{1, 2} {
		c, err := f.cq.PollOne()
		require.NoError(t, err)
		assert.Equal(t, id, c.WRID)
		assert.Equal(t, 1, f.cq.Resizing())
	}

	c, err := f.cq.PollOne()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.WRID)
	assert.Zero(t, f.cq.Resizing())
	assert.Equal(t, live, f.mem.Live())

	v := wqe.Load64(f.cqShadow.Buf, wqe.CQShadowArmOffset)
	assert.Equal(t, uint64(1), wqe.CQShadowSWCQSelect.Get(v))

	_, err = f.cq.PollOne()
	assert.ErrorIs(t, err, ErrNoEntry)
}

func TestCQ_PollNothingRequested(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.qp.PostSend(write(1, 1)))
	f.sendCQE(0)

	for _, max := range []int{0, -1} {
		cs, err := f.cq.Poll(max)
		require.NoError(t, err)
		assert.Empty(t, cs)
	}
	assert.Equal(t, []uint64{1}, wrids(f.pollAll()))
}

func TestCQ_ResizeAbort(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	live := f.mem.Live()

	_, err := f.cq.PrepareResize(128)
	require.NoError(t, err)
	assert.Equal(t, live+1, f.mem.Live())
	require.NoError(t, f.cq.AbortResize())
	assert.Equal(t, live, f.mem.Live())
	assert.Equal(t, uint32(64), f.cq.Size())
	assert.ErrorContains(t, f.cq.CommitResize(), "no resize")
}

func TestCQ_Destroy(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	live := f.mem.Live()
	_, err := f.cq.PrepareResize(16)
	require.NoError(t, err)
	require.NoError(t, f.cq.CommitResize())
	_, err = f.cq.PrepareResize(32)
	require.NoError(t, err)

	require.NoError(t, f.cq.Destroy())
	assert.Zero(t, f.cq.Resizing())
	// The ring from the committed resize is live and belongs to the caller.
	assert.Equal(t, live, f.mem.Live())
}

func TestCQ_Clean(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.qp.PostSend(write(1, 1), write(2, 1)))
	f.sendCQE(0)
	f.sendCQE(1)

	f.cq.Clean(f.qp.Handle())
	assert.Empty(t, f.pollAll())
	assert.Equal(t, uint32(2), f.cq.cur.ring.Head())
}

func TestNewCQ_Validation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ring := f.alloc(64 * wqe.CQESize)
	shadow := f.alloc(wqe.ShadowAreaSize)

	tests := []struct {
		name string
		init CQInit
		err  string
	}{
		{"too small", CQInit{Ring: ring, Size: 2, Shadow: shadow}, "outside"},
		{"extended", CQInit{Ring: ring, Size: 64, Shadow: shadow, Extended: true}, "extended completions"},
		{"amc", CQInit{Ring: ring, Size: 64, Shadow: shadow, AvoidMemConflict: true}, "avoid memory conflict"},
		{"ring", CQInit{Ring: ring, Size: 1024, Shadow: shadow}, "completion ring buffer"},
		{"shadow", CQInit{Ring: ring, Size: 64, Shadow: hw.DMA{Buf: make([]byte, 8)}}, "shadow area"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCQ(f.dev, f.owners, tt.init)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}
