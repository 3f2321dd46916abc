package cqp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/slackhq/rdmaring/emu"
	"github.com/slackhq/rdmaring/ring"
	"github.com/slackhq/rdmaring/test"
	"github.com/slackhq/rdmaring/wqe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCQP(t *testing.T, opts ...Option) (*CQP, *test.Device) {
	t.Helper()
	d := test.NewDevice(t, wqe.Gen2, test.AllFeatures)
	c, err := New(d.Device, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Create(context.Background()))
	t.Cleanup(func() { _ = c.Destroy() })
	return c, d
}

func TestNew_Validation(t *testing.T) {
	d := test.NewDevice(t, wqe.Gen2, 0)
	for _, n := range []uint32{2, 6, 4096} {
		_, err := New(d.Device, WithSize(n))
		assert.Error(t, err, "size %d", n)
	}
	_, err := New(d.Device, WithPolling(0, 0))
	assert.Error(t, err)

	c, err := New(d.Device, WithSize(MinSize))
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), NOP(), 0)
	assert.ErrorIs(t, err, ErrNotCreated)
	require.NoError(t, c.Destroy())
	assert.Equal(t, 0, d.Heap.Live())
}

func TestSubmit_Register(t *testing.T) {
	c, _ := newCQP(t, WithSize(4))
	ctx := context.Background()

	// Enough commands to lap the ring twice.
	for i := range 9 {
		res, err := c.Submit(ctx, NOP(), uint64(i))
		require.NoError(t, err)
		assert.Equal(t, uint32(i%4), res.WQEIdx)
		assert.Equal(t, uint64(i), res.Scratch)
		assert.Equal(t, wqe.CQPOpNOP, res.Op)
	}
	assert.Zero(t, c.Pending())
}

func TestSubmit_RegisterRingFull(t *testing.T) {
	c, _ := newCQP(t, WithSize(4))

	// Slots still owned by the device are never reused.
	c.mu.Lock()
	c.ring.MoveHeadByNoCheck(c.ring.Free())
	head := c.ring.Head()
	c.mu.Unlock()

	_, err := c.Submit(context.Background(), NOP(), 0)
	assert.ErrorIs(t, err, ring.ErrRingFull)
	assert.Equal(t, uint32(3), c.Pending())
	c.mu.Lock()
	assert.Equal(t, head, c.ring.Head())
	c.mu.Unlock()
}

func TestSubmit_RegisterError(t *testing.T) {
	c, _ := newCQP(t)
	_, err := c.Submit(context.Background(), DestroyQP(QPInfo{ID: 7}), 0)
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, wqe.CQPOpDestroyQP, ce.Op)
	assert.Equal(t, uint16(emu.ErrMajorCommand), ce.Major)
	assert.Equal(t, uint16(emu.ErrMinorUnknownQP), ce.Minor)

	// The ring keeps working after a failed command.
	_, err = c.Submit(context.Background(), NOP(), 0)
	assert.NoError(t, err)
	assert.Zero(t, c.Pending())
}

func TestSubmit_RegisterTimeout(t *testing.T) {
	c, d := newCQP(t, WithPolling(3, time.Millisecond))
	d.Emu.Pause()
	_, err := c.Submit(context.Background(), NOP(), 0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, c.Pending())
	d.Emu.Resume()

	_, err = c.Submit(context.Background(), NOP(), 0)
	assert.NoError(t, err)
}

func TestSubmit_Canceled(t *testing.T) {
	c, d := newCQP(t, WithPolling(1000, time.Millisecond))
	d.Emu.Pause()
	defer d.Emu.Resume()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Submit(ctx, NOP(), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCCQ(t *testing.T) {
	c, d := newCQP(t, WithSize(4))
	ctx := context.Background()
	require.NoError(t, c.AttachCCQ(ctx, 1, 4))

	for i := range 10 {
		res, err := c.Submit(ctx, NOP(), uint64(100+i))
		require.NoError(t, err)
		assert.Equal(t, uint64(100+i), res.Scratch)
		assert.Equal(t, wqe.CQPOpNOP, res.Op)
	}

	_, err := c.Submit(ctx, DestroyCQ(9, false), 0)
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, wqe.CQPOpDestroyCQ, ce.Op)
	assert.Equal(t, uint16(emu.ErrMinorUnknownCQ), ce.Minor)

	require.NoError(t, c.DetachCCQ(ctx))
	_, err = c.Submit(ctx, NOP(), 0)
	assert.NoError(t, err)
	require.NoError(t, c.Destroy())
	assert.Equal(t, 0, d.Heap.Live())
}

func TestCCQ_Backlog(t *testing.T) {
	c, d := newCQP(t, WithSize(4), WithPolling(10000, time.Millisecond))
	ctx := context.Background()
	require.NoError(t, c.AttachCCQ(ctx, 1, 8))

	d.Emu.Pause()
	var wg sync.WaitGroup
	results := make([]Result, 6)
	errs := make([]error, 6)
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Submit(ctx, NOP(), uint64(i))
		}()
	}

	// Three slots are usable in a ring of four.
	require.Eventually(t, func() bool {
		return c.Pending() == 3 && c.Backlog() == 3
	}, 5*time.Second, time.Millisecond)

	d.Emu.Resume()
	wg.Wait()
	for i := range 6 {
		require.NoError(t, errs[i])
		assert.Equal(t, uint64(i), results[i].Scratch)
	}
	assert.Zero(t, c.Pending())
	assert.Zero(t, c.Backlog())
}

func TestCCQ_Timeout(t *testing.T) {
	c, d := newCQP(t, WithPolling(3, time.Millisecond))
	ctx := context.Background()
	require.NoError(t, c.AttachCCQ(ctx, 1, 8))

	d.Emu.Pause()
	_, err := c.Submit(ctx, NOP(), 0)
	assert.ErrorIs(t, err, ErrTimeout)
	// The abandoned command keeps its slot until the device completes it.
	assert.Equal(t, uint32(1), c.Pending())

	d.Emu.Resume()
	res, err := c.Submit(ctx, NOP(), 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.Scratch)
	assert.Zero(t, c.Pending())
}

func TestDetachCCQ_Outstanding(t *testing.T) {
	c, d := newCQP(t, WithPolling(2, time.Millisecond))
	ctx := context.Background()
	require.NoError(t, c.AttachCCQ(ctx, 1, 8))

	d.Emu.Pause()
	_, err := c.Submit(ctx, NOP(), 0)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Error(t, c.DetachCCQ(ctx))

	d.Emu.Resume()
	assert.NoError(t, c.DetachCCQ(ctx))
}

func TestCreate_Failure(t *testing.T) {
	d := test.NewDevice(t, wqe.Gen2, 0)
	c, err := New(d.Device)
	require.NoError(t, err)
	// A mismatching generation is refused by the device.
	d.Attrs.Generation = wqe.Gen1
	err = c.Create(context.Background())
	var ce *CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint16(emu.ErrMinorUnsupported), ce.Minor)
}
