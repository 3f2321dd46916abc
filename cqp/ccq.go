package cqp

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/ring"
	"github.com/slackhq/rdmaring/wqe"
)

// ccq is the control completion ring. It uses the completion queue entry
// layout; the entry index names the control ring slot that completed.
type ccq struct {
	id       uint32
	dma      hw.DMA
	shadow   hw.DMA
	ring     ring.Ring
	polarity uint8
}

func (q *ccq) free(mem hw.Allocator) error {
	return errors.Join(mem.Free(q.dma), mem.Free(q.shadow))
}

// AttachCCQ creates a control completion ring of size entries with the
// completion queue id and switches command completion to it.
func (c *CQP) AttachCCQ(ctx context.Context, id, size uint32) error {
	if err := ring.CheckSize(size); err != nil {
		return fmt.Errorf("control completion ring size: %w", err)
	}

	q := &ccq{id: id, ring: ring.New(size), polarity: 1}
	var err error
	q.dma, err = c.dev.Mem.Alloc(int(size) * wqe.CQESize)
	if err != nil {
		return fmt.Errorf("allocate control completion ring: %w", err)
	}
	q.shadow, err = c.dev.Mem.Alloc(wqe.ShadowAreaSize)
	if err != nil {
		return errors.Join(fmt.Errorf("allocate control completion shadow: %w", err), c.dev.Mem.Free(q.dma))
	}

	cmd := CreateCQ(CQInfo{
		ID:         id,
		Size:       size,
		RingAddr:   q.dma.Addr,
		ShadowAddr: q.shadow.Addr,
		CCQ:        true,
	})
	if _, err := c.Submit(ctx, cmd, 0); err != nil {
		return errors.Join(fmt.Errorf("create control completion ring: %w", err), q.free(c.dev.Mem))
	}

	c.mu.Lock()
	c.ccq = q
	c.mu.Unlock()
	c.l.WithField("cq", id).WithField("size", size).Info("Control completion ring attached")
	return nil
}

// DetachCCQ returns to register polling and destroys the control completion
// ring.
func (c *CQP) DetachCCQ(ctx context.Context) error {
	c.mu.Lock()
	q := c.ccq
	if q == nil {
		c.mu.Unlock()
		return nil
	}
	c.processCCQ()
	if c.ring.Used() > 0 || len(c.backlog) > 0 {
		c.mu.Unlock()
		return errors.New("control commands are still outstanding")
	}
	c.ccq = nil
	c.mu.Unlock()

	if _, err := c.Submit(ctx, DestroyCQ(q.id, true), 0); err != nil {
		return fmt.Errorf("destroy control completion ring: %w", err)
	}
	return q.free(c.dev.Mem)
}

// waitCCQ polls the control completion ring until req completes. Any
// completion found is delivered to its own submitter.
func (c *CQP) waitCCQ(ctx context.Context, req *request) (Result, error) {
	for range c.maxPolls {
		select {
		case r := <-req.done:
			return r.res, r.err
		default:
		}

		c.mu.Lock()
		c.processCCQ()
		c.mu.Unlock()

		select {
		case r := <-req.done:
			return r.res, r.err
		default:
		}

		if err := sleep(ctx, c.pollDelay); err != nil {
			c.abandon(req)
			return Result{}, fmt.Errorf("%s: %w", req.cmd.Op, err)
		}
	}
	c.abandon(req)
	return Result{}, fmt.Errorf("%s: %w", req.cmd.Op, ErrTimeout)
}

// abandon forgets req. A posted command keeps its slot until the device
// completes it.
func (c *CQP) abandon(req *request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.backlog, req); i >= 0 {
		c.backlog = slices.Delete(c.backlog, i, i+1)
		c.metrics.backlog.Update(int64(len(c.backlog)))
		return
	}
	if i := slices.Index(c.inflight, req); i >= 0 {
		c.inflight[i] = nil
	}
	c.metrics.failed.Inc(1)
}

// processCCQ consumes every available control completion, retires the
// matching slots and posts backlogged commands into the freed space. Must
// be called with c.mu held.
func (c *CQP) processCCQ() {
	q := c.ccq
	if q == nil {
		return
	}

	for {
		head := q.ring.Head()
		e := q.dma.Buf[int(head)*wqe.CQESize:][:wqe.CQESize]
		hdr := wqe.Header(e)
		if uint8(wqe.CQValid.Get(hdr)) != q.polarity {
			break
		}

		idx := uint32(wqe.CQWQEIdx.Get(hdr))
		res := Result{
			WQEIdx: idx,
			RetVal: uint32(wqe.CCQOpRetVal.Get(wqe.Get64(e, 16))),
		}
		var err error
		if idx < c.size {
			res.Op = wqe.CQPOpcode(wqe.CQPOpcodeField.Get(wqe.Header(c.slot(idx))))
			res.Scratch = c.scratch[idx]
		}
		if wqe.CQError.IsSet(hdr) {
			err = &CommandError{
				Op:    res.Op,
				Major: uint16(wqe.CQMajErr.Get(hdr)),
				Minor: uint16(wqe.CQMinErr.Get(hdr)),
			}
		}

		q.ring.MoveHeadNoCheck()
		if q.ring.Head() == 0 {
			q.polarity ^= 1
		}
		q.ring.MoveTail()
		wqe.Store64(q.shadow.Buf, wqe.CQShadowHeadOffset, uint64(q.ring.Head()))

		if idx >= c.size {
			c.l.WithField("index", idx).Error("Control completion for an unknown slot")
			continue
		}
		c.ring.MoveTail()

		req := c.inflight[idx]
		c.inflight[idx] = nil
		if req == nil {
			c.l.WithField("op", res.Op).WithField("index", idx).Warn("Control completion for an abandoned command")
			continue
		}
		if err != nil {
			c.metrics.failed.Inc(1)
		} else {
			c.metrics.completed.Inc(1)
		}
		req.done <- reply{res: res, err: err}
	}

	c.drainBacklog()
}
