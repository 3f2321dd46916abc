package emu_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/slackhq/rdmaring/queue"
	"github.com/slackhq/rdmaring/test"
	"github.com/slackhq/rdmaring/verbs"
	"github.com/slackhq/rdmaring/wqe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	d    *test.Device
	p    *verbs.Provider
	cq   *verbs.CQ
	a, b *verbs.QP
}

func newEnv(t *testing.T, co verbs.CQOptions) *env {
	t.Helper()
	ctx := context.Background()
	d := test.NewDevice(t, wqe.Gen2, test.AllFeatures)
	p, err := verbs.Open(ctx, d.Device)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Close(context.Background())) })

	if co.Size == 0 {
		co.Size = 32
	}
	cq, err := p.CreateCQ(ctx, co)
	require.NoError(t, err)
	qo := verbs.QPOptions{Type: verbs.RC, SendCQ: cq, RecvCQ: cq, SQSize: 8, RQSize: 8, MaxSQFrags: 1, MaxRQFrags: 1}
	a, err := p.CreateQP(ctx, qo)
	require.NoError(t, err)
	b, err := p.CreateQP(ctx, qo)
	require.NoError(t, err)
	require.NoError(t, p.Connect(ctx, a, b))
	return &env{d: d, p: p, cq: cq, a: a, b: b}
}

func (e *env) nop(t *testing.T, id uint64) {
	t.Helper()
	require.NoError(t, e.a.PostSend(queue.SendWR{ID: id, Op: wqe.OpNOP, Signaled: true}))
}

func TestOnArm(t *testing.T) {
	e := newEnv(t, verbs.CQOptions{})
	var fired atomic.Int32
	e.d.Emu.OnArm(func(id uint32) {
		assert.Equal(t, e.cq.ID(), id)
		fired.Add(1)
	})

	e.nop(t, 1)
	assert.Zero(t, fired.Load())
	_, err := e.cq.Poll(4)
	require.NoError(t, err)

	e.cq.Arm(false)
	e.nop(t, 2)
	assert.Equal(t, int32(1), fired.Load())

	// One notification per arm.
	e.nop(t, 3)
	assert.Equal(t, int32(1), fired.Load())
}

func TestOnArm_PendingEntries(t *testing.T) {
	e := newEnv(t, verbs.CQOptions{})
	var fired atomic.Int32
	e.d.Emu.OnArm(func(uint32) { fired.Add(1) })

	e.nop(t, 1)
	e.cq.Arm(false)
	assert.Equal(t, int32(1), fired.Load())
}

func TestOnArm_SolicitedOnly(t *testing.T) {
	e := newEnv(t, verbs.CQOptions{})
	var fired atomic.Int32
	e.d.Emu.OnArm(func(uint32) { fired.Add(1) })

	e.cq.Arm(true)
	e.nop(t, 1)
	assert.Zero(t, fired.Load())

	require.NoError(t, e.b.PostRecv(queue.RecvWR{ID: 2}))
	require.NoError(t, e.a.PostSend(queue.SendWR{ID: 3, Op: wqe.OpSendSol}))
	assert.Equal(t, int32(1), fired.Load())

	cs, err := e.cq.Poll(4)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.True(t, cs[1].SolicitedEvent)
}

func TestPauseResume(t *testing.T) {
	e := newEnv(t, verbs.CQOptions{})
	e.d.Emu.Pause()
	e.nop(t, 1)
	e.nop(t, 2)

	cs, err := e.cq.Poll(4)
	require.NoError(t, err)
	assert.Empty(t, cs)

	e.d.Emu.Resume()
	cs, err = e.cq.Poll(4)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, uint64(1), cs[0].WRID)
	assert.Equal(t, uint64(2), cs[1].WRID)
}

func TestCQOverflow(t *testing.T) {
	e := newEnv(t, verbs.CQOptions{Size: 4, CheckOverflow: true})
	for i := range 4 {
		e.nop(t, uint64(i))
	}

	// One slot stays free, so the fourth completion overflows.
	cs, err := e.cq.Poll(8)
	require.NoError(t, err)
	assert.Len(t, cs, 3)

	_, inError := e.d.Emu.QPState(e.a.ID())
	assert.True(t, inError)
	_, inError = e.d.Emu.QPState(e.b.ID())
	assert.False(t, inError)
}

func TestInjectCQE(t *testing.T) {
	e := newEnv(t, verbs.CQOptions{})
	e.nop(t, 1)

	// An entry for a context nobody owns is skipped.
	require.NoError(t, e.d.Emu.InjectCQE(e.cq.ID(), wqe.CQE{SQ: true, Op: wqe.OpNOP, Context: 0xdead}))
	e.nop(t, 2)

	cs, err := e.cq.Poll(8)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, uint64(1), cs[0].WRID)
	assert.Equal(t, uint64(2), cs[1].WRID)

	assert.Error(t, e.d.Emu.InjectCQE(999, wqe.CQE{}))
}

func TestSetQPError(t *testing.T) {
	e := newEnv(t, verbs.CQOptions{})
	require.NoError(t, e.b.PostRecv(queue.RecvWR{ID: 5}, queue.RecvWR{ID: 6}))
	require.NoError(t, e.d.Emu.SetQPError(e.b.ID(), wqe.FlushFatalErr))

	cs, err := e.cq.Poll(8)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	for i, c := range cs {
		assert.Equal(t, uint64(5+i), c.WRID)
		assert.Equal(t, queue.StatusFlushed, c.Status)
	}

	// Sends to a peer in error are not delivered.
	require.NoError(t, e.a.PostSend(queue.SendWR{ID: 7, Op: wqe.OpSend, Signaled: true}))
	cs, err = e.cq.Poll(8)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, queue.OutcomeRetryExceeded, cs[0].Outcome)

	assert.Error(t, e.d.Emu.SetQPError(999, wqe.FlushFatalErr))
}

func TestCounts(t *testing.T) {
	e := newEnv(t, verbs.CQOptions{})
	buf := e.d.Alloc(t, 4096)
	_, err := e.p.RegMR(context.Background(), buf, verbs.AccessLocalWrite)
	require.NoError(t, err)

	qps, cqs, stags := e.d.Emu.Counts()
	assert.Equal(t, 2, qps)
	assert.Equal(t, 1, cqs)
	assert.Equal(t, 1, stags)

	exists, inError := e.d.Emu.QPState(e.a.ID())
	assert.True(t, exists)
	assert.False(t, inError)
	exists, _ = e.d.Emu.QPState(999)
	assert.False(t, exists)
}
