// Package cqp drives the control command ring: the ring through which
// software asks the device to create, modify and destroy queue pairs,
// completion queues and memory registrations.
//
// Until a control completion ring is attached with [CQP.AttachCCQ], each
// command is waited for by polling the CQPTAIL register. Afterwards commands
// complete through the control completion ring and are matched to their
// submitter by ring slot.
package cqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/ring"
	"github.com/slackhq/rdmaring/wqe"
)

const (
	MinSize     = 4
	MaxSize     = 2048
	DefaultSize = 128
)

var (
	// ErrTimeout is returned when the device did not finish a command in
	// the configured number of polls.
	ErrTimeout = errors.New("control command timed out")
	// ErrNotCreated is returned when commands are submitted before
	// [CQP.Create] succeeded.
	ErrNotCreated = errors.New("control ring was not created")
)

// CommandError is a command the device completed with an error.
type CommandError struct {
	Op    wqe.CQPOpcode
	Major uint16
	Minor uint16
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("control command %s failed: major %#x minor %#x", e.Op, e.Major, e.Minor)
}

// Result is the completion of a control command.
type Result struct {
	Op      wqe.CQPOpcode
	WQEIdx  uint32
	RetVal  uint32
	Scratch uint64
}

type Option func(*CQP)

// WithSize sets the number of ring slots.
func WithSize(n uint32) Option {
	return func(c *CQP) { c.size = n }
}

// WithPolling overrides the number of register or completion polls before
// a command times out and the delay between them.
func WithPolling(count uint32, delay time.Duration) Option {
	return func(c *CQP) {
		c.maxPolls = count
		c.pollDelay = delay
	}
}

// request is a command waiting for its completion.
type request struct {
	cmd     Command
	scratch uint64
	done    chan reply
}

type reply struct {
	res Result
	err error
}

// CQP is the control command ring.
type CQP struct {
	mu  sync.Mutex
	dev *hw.Device
	l   *logrus.Logger

	size      uint32
	maxPolls  uint32
	pollDelay time.Duration

	dma      hw.DMA
	hostCtx  hw.DMA
	ring     ring.Ring
	polarity uint8
	// inflight holds the request of every posted slot, scratch the caller
	// cookie of every slot.
	inflight []*request
	scratch  []uint64
	backlog  []*request
	created  bool

	ccq *ccq

	metrics *cqpMetrics
}

type cqpMetrics struct {
	requested metrics.Counter
	completed metrics.Counter
	failed    metrics.Counter
	backlog   metrics.Gauge
}

// New validates the ring size and allocates the ring, its host context and
// the scratch array. The ring is usable after [CQP.Create].
func New(dev *hw.Device, opts ...Option) (*CQP, error) {
	c := &CQP{
		dev:       dev,
		l:         dev.L,
		size:      DefaultSize,
		maxPolls:  dev.Attrs.CQPMaxDoneCount,
		pollDelay: dev.Attrs.CQPPollDelay,
		metrics: &cqpMetrics{
			requested: metrics.GetOrRegisterCounter("cqp.commands.requested", nil),
			completed: metrics.GetOrRegisterCounter("cqp.commands.completed", nil),
			failed:    metrics.GetOrRegisterCounter("cqp.commands.failed", nil),
			backlog:   metrics.GetOrRegisterGauge("cqp.backlog", nil),
		},
	}
	for _, o := range opts {
		o(c)
	}

	if err := ring.CheckSize(c.size); err != nil {
		return nil, fmt.Errorf("control ring size: %w", err)
	}
	if c.size < MinSize || c.size > MaxSize {
		return nil, fmt.Errorf("control ring size %d outside %d..%d", c.size, MinSize, MaxSize)
	}
	if c.maxPolls == 0 {
		return nil, errors.New("control command poll count must not be zero")
	}

	var err error
	c.dma, err = dev.Mem.Alloc(int(c.size) * wqe.CQPWQESize)
	if err != nil {
		return nil, fmt.Errorf("allocate control ring: %w", err)
	}
	c.hostCtx, err = dev.Mem.Alloc(wqe.CQPContextSize)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("allocate control ring context: %w", err), dev.Mem.Free(c.dma))
	}

	c.ring = ring.New(c.size)
	c.inflight = make([]*request, c.size)
	c.scratch = make([]uint64, c.size)
	return c, nil
}

func (c *CQP) Size() uint32 {
	return c.size
}

// Create hands the ring to the device through the host context address
// registers and waits for the device to report it ready.
func (c *CQP) Create(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hc := wqe.CQPContext{SQAddr: c.dma.Addr, SQSize: c.size, Gen: c.dev.Attrs.Generation}
	hc.Encode(c.hostCtx.Buf)
	c.dev.Regs.Write32(hw.RegCCQPHigh, uint32(c.hostCtx.Addr>>32))
	c.dev.Regs.Write32(hw.RegCCQPLow, uint32(c.hostCtx.Addr))

	err := c.pollRegister(ctx, func() (bool, error) {
		v := c.dev.Regs.Read32(hw.RegCCQPStatus)
		if wqe.CCQPStatusError.IsSet(uint64(v)) {
			return false, c.registerError(wqe.CQPOpNOP)
		}
		return wqe.CCQPStatusDone.IsSet(uint64(v)), nil
	})
	if err != nil {
		return fmt.Errorf("create control ring: %w", err)
	}

	c.created = true
	c.l.WithField("size", c.size).WithField("addr", fmt.Sprintf("%#x", c.dma.Addr)).Info("Control ring created")
	return nil
}

// Submit posts cmd and waits for its completion. scratch is returned in the
// result.
func (c *CQP) Submit(ctx context.Context, cmd Command, scratch uint64) (Result, error) {
	c.mu.Lock()
	if !c.created {
		c.mu.Unlock()
		return Result{}, ErrNotCreated
	}
	c.metrics.requested.Inc(1)

	req := &request{cmd: cmd, scratch: scratch, done: make(chan reply, 1)}
	if c.ccq == nil {
		defer c.mu.Unlock()
		return c.submitPolled(ctx, req)
	}

	if len(c.backlog) > 0 || c.ring.Free() == 0 {
		c.backlog = append(c.backlog, req)
		c.metrics.backlog.Update(int64(len(c.backlog)))
	} else {
		c.post(req)
		c.ringDoorbell()
	}
	c.mu.Unlock()

	return c.waitCCQ(ctx, req)
}

// submitPolled posts req and polls CQPTAIL for it. Must be called with c.mu
// held.
func (c *CQP) submitPolled(ctx context.Context, req *request) (Result, error) {
	if c.ring.Full() {
		c.metrics.failed.Inc(1)
		return Result{}, fmt.Errorf("%s: %w", req.cmd.Op, ring.ErrRingFull)
	}

	tail := uint32(wqe.CQPTailWQTail.Get(uint64(c.dev.Regs.Read32(hw.RegCQPTail))))
	idx := c.post(req)
	c.ringDoorbell()

	err := c.pollRegister(ctx, func() (bool, error) {
		v := uint64(c.dev.Regs.Read32(hw.RegCQPTail))
		if wqe.CQPTailOpErr.IsSet(v) {
			return false, c.registerError(req.cmd.Op)
		}
		return uint32(wqe.CQPTailWQTail.Get(v)) != tail, nil
	})

	// The slot is retired whatever the outcome; a timed out command is
	// abandoned.
	c.inflight[idx] = nil
	c.ring.MoveTail()
	if err != nil {
		c.metrics.failed.Inc(1)
		return Result{}, fmt.Errorf("%s: %w", req.cmd.Op, err)
	}
	c.metrics.completed.Inc(1)
	return Result{Op: req.cmd.Op, WQEIdx: idx, Scratch: req.scratch}, nil
}

func (c *CQP) registerError(op wqe.CQPOpcode) error {
	v := uint64(c.dev.Regs.Read32(hw.RegCQPErrCodes))
	return &CommandError{
		Op:    op,
		Major: uint16(wqe.CQPErrMajor.Get(v)),
		Minor: uint16(wqe.CQPErrMinor.Get(v)),
	}
}

// pollRegister calls done up to maxPolls times, sleeping pollDelay in
// between.
func (c *CQP) pollRegister(ctx context.Context, done func() (bool, error)) error {
	for range c.maxPolls {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := sleep(ctx, c.pollDelay); err != nil {
			return err
		}
	}
	return ErrTimeout
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// post writes req into the next slot, header last. Must be called with c.mu
// held and a free slot.
func (c *CQP) post(req *request) uint32 {
	idx := c.ring.Head()
	c.ring.MoveHeadNoCheck()
	if idx == 0 {
		c.polarity ^= 1
	}

	c.scratch[idx] = req.scratch
	c.inflight[idx] = req

	q := c.slot(idx)
	for i, w := range req.cmd.Words {
		if i*8 == wqe.HeaderOffset {
			continue
		}
		wqe.Set64(q, i*8, w)
	}
	wqe.SetHeader(q, wqe.CQPHeader(req.cmd.Op, req.cmd.Words[wqe.HeaderOffset/8], c.polarity))

	c.l.WithField("op", req.cmd.Op).WithField("index", idx).Debug("Posted control command")
	return idx
}

func (c *CQP) ringDoorbell() {
	c.dev.Regs.Write32(hw.RegCQPDB, c.ring.Head())
}

func (c *CQP) slot(idx uint32) []byte {
	return c.dma.Buf[idx*wqe.CQPWQESize : (idx+1)*wqe.CQPWQESize]
}

// drainBacklog posts queued commands while the ring has room. Must be
// called with c.mu held.
func (c *CQP) drainBacklog() {
	posted := false
	for len(c.backlog) > 0 && c.ring.Free() > 0 {
		c.post(c.backlog[0])
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
		posted = true
	}
	c.metrics.backlog.Update(int64(len(c.backlog)))
	if posted {
		c.ringDoorbell()
	}
}

// Backlog returns the number of commands waiting for a free slot.
func (c *CQP) Backlog() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backlog)
}

// Pending returns the number of posted commands not yet completed.
func (c *CQP) Pending() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.Used()
}

// Destroy releases the ring memory. The device must have been told to stop
// using it.
func (c *CQP) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.backlog {
		r.done <- reply{err: ErrNotCreated}
	}
	c.backlog = nil
	c.created = false

	var errs []error
	errs = append(errs, c.dev.Mem.Free(c.dma), c.dev.Mem.Free(c.hostCtx))
	if c.ccq != nil {
		errs = append(errs, c.ccq.free(c.dev.Mem))
		c.ccq = nil
	}
	return errors.Join(errs...)
}
