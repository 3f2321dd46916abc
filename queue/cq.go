package queue

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/ring"
	"github.com/slackhq/rdmaring/wqe"
)

// CQInit describes the memory and mode of a new completion queue.
type CQInit struct {
	ID uint32
	// Ring holds Size entries of [EntrySize] bytes.
	Ring hw.DMA
	Size uint32
	// Shadow is where the consumed head and the arm state are published.
	Shadow hw.DMA
	// Extended allows entries with a second quantum.
	Extended bool
	// AvoidMemConflict gives every entry two quanta so extended entries
	// are adjacent.
	AvoidMemConflict bool
}

// EntrySize returns the size of one completion ring slot.
func EntrySize(avoidMemConflict bool) int {
	if avoidMemConflict {
		return 2 * wqe.CQESize
	}
	return wqe.CQESize
}

// cqBuf is one completion ring. A completion queue has a live ring and, after
// resizes, older rings that may still hold entries.
type cqBuf struct {
	dma      hw.DMA
	ring     ring.Ring
	polarity uint8
	stride   int
}

func newCQBuf(d hw.DMA, size uint32, stride int) cqBuf {
	return cqBuf{
		dma:  d,
		ring: ring.New(size),
		// The device writes the first lap with polarity 1.
		polarity: 1,
		stride:   stride,
	}
}

func (b *cqBuf) entry(idx uint32) []byte {
	off := int(idx) * b.stride
	return b.dma.Buf[off : off+b.stride]
}

// advance retires the entry at head.
func (b *cqBuf) advance() {
	b.ring.MoveHeadNoCheck()
	if b.ring.Head() == 0 {
		b.polarity ^= 1
	}
	b.ring.MoveTail()
}

// CQ is a completion queue. It is only ever written by the device; software
// consumes entries with [CQ.Poll] or [CQ.PollOne].
type CQ struct {
	mu     sync.Mutex
	id     uint32
	dev    *hw.Device
	owners *Registry
	l      *logrus.Logger

	cur              cqBuf
	shadow           []byte
	extended         bool
	avoidMemConflict bool

	// resized are rings replaced by a resize, oldest first.
	resized []*cqBuf
	pending *cqBuf

	// flushing are queue pairs whose outstanding work is reported by
	// software because the device does not flush them.
	flushing []*QP

	metrics *cqMetrics
}

type cqMetrics struct {
	polled  metrics.Counter
	skipped metrics.Counter
	flushed metrics.Counter
}

// NewCQ takes over the ring and shadow area described by init. Completion
// contexts are resolved through owners.
func NewCQ(dev *hw.Device, owners *Registry, init CQInit) (*CQ, error) {
	if init.Size < dev.Attrs.MinCQSize || init.Size > dev.Attrs.MaxCQSize {
		return nil, fmt.Errorf("completion queue size %d outside %d..%d", init.Size, dev.Attrs.MinCQSize, dev.Attrs.MaxCQSize)
	}
	if init.Extended && !dev.Features.Has(hw.FeatureExtendedCQE) {
		return nil, errors.New("extended completions were not negotiated")
	}
	if init.AvoidMemConflict && !dev.Features.Has(hw.FeatureAvoidMemConflict) {
		return nil, errors.New("avoid memory conflict mode was not negotiated")
	}
	stride := EntrySize(init.AvoidMemConflict)
	if len(init.Ring.Buf) < int(init.Size)*stride {
		return nil, errors.New("completion ring buffer is too small")
	}
	if len(init.Shadow.Buf) < wqe.ShadowAreaSize {
		return nil, errors.New("shadow area is too small")
	}

	return &CQ{
		id:               init.ID,
		dev:              dev,
		owners:           owners,
		l:                dev.L,
		cur:              newCQBuf(init.Ring, init.Size, stride),
		shadow:           init.Shadow.Buf[:wqe.ShadowAreaSize],
		extended:         init.Extended,
		avoidMemConflict: init.AvoidMemConflict,
		metrics: &cqMetrics{
			polled:  metrics.GetOrRegisterCounter("queue.cq.polled", nil),
			skipped: metrics.GetOrRegisterCounter("queue.cq.skipped", nil),
			flushed: metrics.GetOrRegisterCounter("queue.cq.flushed", nil),
		},
	}, nil
}

// ID returns the completion queue id known to the device.
func (cq *CQ) ID() uint32 {
	return cq.id
}

// Size returns the number of entries of the live ring.
func (cq *CQ) Size() uint32 {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.cur.ring.Size()
}

// PollOne returns the next completion. Entries left in rings replaced by a
// resize come first, then the live ring, then completions generated for
// queue pairs flushed in software. It returns [ErrNoEntry] when nothing is
// available and [ErrSkip] when an entry was retired without a result.
// Rings replaced by a resize are released once drained.
func (cq *CQ) PollOne() (Completion, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	for i, b := range cq.resized {
		c, err := cq.pollBuf(b)
		if errors.Is(err, ErrNoEntry) {
			continue
		}
		cq.releaseResized(i)
		return c, err
	}

	c, err := cq.pollLive()
	if !errors.Is(err, ErrNoEntry) {
		cq.releaseResized(len(cq.resized))
	}
	return c, err
}

// Poll returns up to max completions. Entries that are skipped are not
// counted. Rings replaced by a resize are released once drained.
func (cq *CQ) Poll(max int) ([]Completion, error) {
	if max <= 0 {
		return nil, nil
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	out := make([]Completion, 0, max)
	newEntry := false
	last := -1

	for i, b := range cq.resized {
		for len(out) < max {
			c, err := cq.pollBuf(b)
			if err == nil {
				out = append(out, c)
				newEntry = true
				continue
			}
			if errors.Is(err, ErrSkip) {
				newEntry = true
				continue
			}
			if errors.Is(err, ErrNoEntry) {
				break
			}
			return out, err
		}
		if newEntry {
			last = i
		}
		newEntry = false
	}

	for len(out) < max {
		c, err := cq.pollLive()
		if err == nil {
			out = append(out, c)
			newEntry = true
			continue
		}
		if errors.Is(err, ErrSkip) {
			newEntry = true
			continue
		}
		if errors.Is(err, ErrNoEntry) {
			break
		}
		return out, err
	}

	// The device moves on to a newer ring only after it is done with the
	// older ones, so every ring before the newest one that produced an
	// entry is drained.
	switch {
	case newEntry:
		cq.releaseResized(len(cq.resized))
	case last > 0:
		cq.releaseResized(last)
	}
	return out, nil
}

func (cq *CQ) pollLive() (Completion, error) {
	c, err := cq.pollBuf(&cq.cur)
	if errors.Is(err, ErrNoEntry) {
		return cq.generated()
	}
	return c, err
}

// pollBuf consumes the entry at the head of b.
func (cq *CQ) pollBuf(b *cqBuf) (Completion, error) {
	head := b.ring.Head()
	e := b.entry(head)
	hdr := wqe.Header(e)
	if uint8(wqe.CQValid.Get(hdr)) != b.polarity {
		return Completion{}, ErrNoEntry
	}

	var c Completion
	extValid := wqe.CQExtCQE.IsSet(hdr)
	if extValid {
		var ext []byte
		var pol uint8
		if cq.avoidMemConflict {
			ext = e[wqe.CQESize:]
			pol = uint8(wqe.CQValid.Get(wqe.Header(ext)))
		} else {
			peek := (head + 1) % b.ring.Size()
			ext = b.entry(peek)
			pol = uint8(wqe.CQValid.Get(wqe.Header(ext)))
			if peek == 0 {
				pol ^= 1
			}
		}
		if pol != b.polarity {
			return Completion{}, ErrNoEntry
		}
		if wqe.CQImmValid.IsSet(wqe.Header(ext)) {
			c.ImmValid = true
			c.Imm = uint32(wqe.CQImmData.Get(wqe.Get64(ext, 0)))
		}
	}

	c.PushDropped = wqe.CQPshDrop.IsSet(hdr)
	c.Status = StatusSuccess
	if wqe.CQError.IsSet(hdr) {
		c.Major = uint16(wqe.CQMajErr.Get(hdr))
		c.Minor = uint16(wqe.CQMinErr.Get(hdr))
		if c.Major == wqe.FlushMajorErr {
			c.Status = StatusFlushed
			// Replays of this entry report the generic flush code.
			if c.Minor != uint16(wqe.FlushGeneralErr) {
				hdr = wqe.CQMinErr.Replace(hdr, uint64(wqe.FlushGeneralErr))
				wqe.SetHeader(e, hdr)
			}
		} else {
			c.Status = StatusUnknown
		}
	}

	q0 := wqe.Get64(e, 0)
	q2 := wqe.Get64(e, 16)
	c.QPID = uint32(wqe.CQQPID.Get(q2))
	c.SolicitedEvent = wqe.CQSOEvent.IsSet(hdr)
	c.QP = Handle(wqe.Get64(e, 8))
	c.Op = wqe.Opcode(wqe.CQOp.Get(hdr))
	wqeIdx := uint32(wqe.CQWQEIdx.Get(hdr))

	var (
		err    error
		replay bool
		tail   uint32
	)
	qp := cq.owners.Get(c.QP)
	switch {
	case qp == nil || qp.destroying.Load():
		err = ErrSkip
	case wqe.CQSQ.IsSet(hdr):
		c.Queue = SendQueue
		replay, tail, err = qp.completeSend(&c, wqeIdx)
	default:
		c.Queue = RecvQueue
		c.Bytes = uint32(wqe.CQPayloadLen.Get(q0))
		if wqe.CQStag.IsSet(hdr) {
			c.StagValid = true
			c.InvalidatedStag = uint32(wqe.CQInvStag.Get(q2))
		}
		replay, tail, err = qp.completeRecv(&c, wqeIdx)
	}

	repoll := errors.Is(err, errRepoll)
	if repoll {
		err = nil
	}

	switch {
	case repoll:
		// Left in place for the descriptor it names.
	case err == nil && c.Status == StatusFlushed && replay:
		// Park on this entry so it stands in for the rest of the flushed
		// work queue.
		wqe.SetHeader(e, wqe.CQWQEIdx.Replace(hdr, uint64(tail)))
	default:
		b.advance()
		if extValid && !cq.avoidMemConflict {
			b.advance()
		}
		if b == &cq.cur {
			wqe.Store64(cq.shadow, wqe.CQShadowHeadOffset, uint64(b.ring.Head()))
		}
	}

	if err != nil {
		cq.metrics.skipped.Inc(1)
		return Completion{}, err
	}
	c.Outcome = outcomeFor(c.Status, c.Minor)
	cq.metrics.polled.Inc(1)
	if c.Status == StatusFlushed {
		cq.metrics.flushed.Inc(1)
	}
	return c, nil
}

// Arm asks the device for a notification on the next completion, or on the
// next solicited completion only.
func (cq *CQ) Arm(solicitedOnly bool) {
	cq.mu.Lock()
	old := wqe.Load64(cq.shadow, wqe.CQShadowArmOffset)
	v := wqe.CQShadowArmSeqNum.Prep(wqe.CQShadowArmSeqNum.Get(old)+1) |
		wqe.CQShadowSWCQSelect.Prep(wqe.CQShadowSWCQSelect.Get(old)) |
		wqe.CQShadowArmNextSE.Prep(1) |
		wqe.CQShadowArmNext.Prep(wqe.Flag(!solicitedOnly))
	wqe.Store64(cq.shadow, wqe.CQShadowArmOffset, v)
	cq.mu.Unlock()

	cq.dev.Regs.Write32(hw.RegCQArm, cq.id)
}

// PrepareResize allocates a ring of size entries for a resize. The returned
// buffer must be given to the device before [CQ.CommitResize].
func (cq *CQ) PrepareResize(size uint32) (hw.DMA, error) {
	if size < cq.dev.Attrs.MinCQSize || size > cq.dev.Attrs.MaxCQSize {
		return hw.DMA{}, fmt.Errorf("completion queue size %d outside %d..%d", size, cq.dev.Attrs.MinCQSize, cq.dev.Attrs.MaxCQSize)
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.pending != nil {
		return hw.DMA{}, errors.New("a resize is already in progress")
	}
	d, err := cq.dev.Mem.Alloc(int(size) * cq.cur.stride)
	if err != nil {
		return hw.DMA{}, fmt.Errorf("allocate completion ring: %w", err)
	}
	b := newCQBuf(d, size, cq.cur.stride)
	cq.pending = &b
	return d, nil
}

// CommitResize switches to the ring from [CQ.PrepareResize]. The old ring is
// kept until every entry the device wrote to it is consumed.
func (cq *CQ) CommitResize() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.pending == nil {
		return errors.New("no resize in progress")
	}
	old := cq.cur
	cq.resized = append(cq.resized, &old)
	cq.cur = *cq.pending
	cq.pending = nil
	wqe.Store64(cq.shadow, wqe.CQShadowHeadOffset, 0)
	return nil
}

// AbortResize releases the ring of a resize the device refused.
func (cq *CQ) AbortResize() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.pending == nil {
		return nil
	}
	err := cq.dev.Mem.Free(cq.pending.dma)
	cq.pending = nil
	return err
}

// releaseResized frees the n oldest replaced rings and reports them to the
// device.
func (cq *CQ) releaseResized(n int) {
	if n == 0 {
		return
	}
	for _, b := range cq.resized[:n] {
		if err := cq.dev.Mem.Free(b.dma); err != nil {
			cq.l.WithError(err).WithField("cq", cq.id).Error("Failed to free resized completion ring")
		}
	}
	cq.resized = slices.Delete(cq.resized, 0, n)

	v := wqe.Load64(cq.shadow, wqe.CQShadowArmOffset)
	sel := wqe.CQShadowSWCQSelect.Get(v) + uint64(n)
	wqe.Store64(cq.shadow, wqe.CQShadowArmOffset, wqe.CQShadowSWCQSelect.Replace(v, sel))
}

// Resizing returns the number of replaced rings not yet released.
func (cq *CQ) Resizing() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.resized)
}

// Clean drops the completion context of every pending entry of h so the
// entries are skipped once polled.
func (cq *CQ) Clean(h Handle) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	b := &cq.cur
	idx := b.ring.Head()
	pol := b.polarity
	for range b.ring.Size() {
		e := b.entry(idx)
		hdr := wqe.Header(e)
		if uint8(wqe.CQValid.Get(hdr)) != pol {
			return
		}
		if Handle(wqe.Get64(e, 8)) == h {
			wqe.Set64(e, 8, 0)
		}

		step := uint32(1)
		if wqe.CQExtCQE.IsSet(hdr) && !cq.avoidMemConflict {
			step = 2
		}
		for range step {
			idx = (idx + 1) % b.ring.Size()
			if idx == 0 {
				pol ^= 1
			}
		}
	}
}

// Destroy releases the replaced rings and forgets software flushes. The live
// ring and shadow area belong to the caller.
func (cq *CQ) Destroy() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	var errs []error
	for _, b := range cq.resized {
		errs = append(errs, cq.dev.Mem.Free(b.dma))
	}
	if cq.pending != nil {
		errs = append(errs, cq.dev.Mem.Free(cq.pending.dma))
	}
	cq.resized = nil
	cq.pending = nil
	cq.flushing = nil
	return errors.Join(errs...)
}
