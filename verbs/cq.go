package verbs

import (
	"context"
	"errors"
	"fmt"

	"github.com/slackhq/rdmaring/cqp"
	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/queue"
	"github.com/slackhq/rdmaring/wqe"
)

// CQOptions describes a completion queue.
type CQOptions struct {
	Size uint32
	// Extended entries carry immediate data.
	Extended         bool
	AvoidMemConflict bool
	// CheckOverflow makes the device stop writing to a full ring.
	CheckOverflow bool
	// Context is echoed in arm notifications.
	Context uint64
}

// CQ is a completion queue known to the device.
type CQ struct {
	*queue.CQ

	opts   CQOptions
	ring   hw.DMA
	shadow hw.DMA
	// users counts the queue pairs completing on this queue.
	users int
}

func (cq *CQ) info(size uint32, ring hw.DMA) cqp.CQInfo {
	return cqp.CQInfo{
		ID:               cq.ID(),
		Size:             size,
		Context:          cq.opts.Context,
		RingAddr:         ring.Addr,
		ShadowAddr:       cq.shadow.Addr,
		Extended:         cq.opts.Extended,
		AvoidMemConflict: cq.opts.AvoidMemConflict,
		CheckOverflow:    cq.opts.CheckOverflow,
	}
}

// CreateCQ allocates a completion queue and creates it on the device.
func (p *Provider) CreateCQ(ctx context.Context, o CQOptions) (*CQ, error) {
	p.mu.Lock()
	if err := p.checkOpen(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if uint32(len(p.cqs)) >= p.dev.Attrs.MaxCQs {
		p.mu.Unlock()
		return nil, fmt.Errorf("completion queue limit %d reached", p.dev.Attrs.MaxCQs)
	}
	id := p.nextCQ
	for p.cqs[id] != nil {
		id++
	}
	p.nextCQ = id + 1
	// Hold the id while the command runs.
	p.cqs[id] = &CQ{}
	p.mu.Unlock()

	cq, err := p.createCQ(ctx, id, o)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		delete(p.cqs, id)
		return nil, err
	}
	p.cqs[id] = cq
	p.metrics.cqs.Update(int64(len(p.cqs)))
	return cq, nil
}

func (p *Provider) createCQ(ctx context.Context, id uint32, o CQOptions) (*CQ, error) {
	ring, err := p.alloc("completion ring", int(o.Size)*queue.EntrySize(o.AvoidMemConflict))
	if err != nil {
		return nil, err
	}
	shadow, err := p.alloc("completion shadow", wqe.ShadowAreaSize)
	if err != nil {
		return nil, errors.Join(err, p.free(ring))
	}

	qcq, err := queue.NewCQ(p.dev, p.owners, queue.CQInit{
		ID:               id,
		Ring:             ring,
		Size:             o.Size,
		Shadow:           shadow,
		Extended:         o.Extended,
		AvoidMemConflict: o.AvoidMemConflict,
	})
	if err != nil {
		return nil, errors.Join(err, p.free(ring, shadow))
	}

	cq := &CQ{CQ: qcq, opts: o, ring: ring, shadow: shadow}
	if _, err := p.submit(ctx, cqp.CreateCQ(cq.info(o.Size, ring))); err != nil {
		return nil, errors.Join(fmt.Errorf("create completion queue %d: %w", id, err), p.free(ring, shadow))
	}
	p.l.WithField("cq", id).WithField("size", o.Size).Debug("Completion queue created")
	return cq, nil
}

// ResizeCQ moves cq to a ring of size entries. Entries left in the old ring
// are still reported, before any entry of the new ring.
func (p *Provider) ResizeCQ(ctx context.Context, cq *CQ, size uint32) error {
	ring, err := cq.PrepareResize(size)
	if err != nil {
		return err
	}
	if _, err := p.submit(ctx, cqp.ResizeCQ(cq.info(size, ring))); err != nil {
		return errors.Join(fmt.Errorf("resize completion queue %d: %w", cq.ID(), err), cq.AbortResize())
	}
	if err := cq.CommitResize(); err != nil {
		return err
	}

	p.mu.Lock()
	// The replaced ring now belongs to the completion queue, which frees it
	// once drained.
	cq.ring = ring
	cq.opts.Size = size
	p.mu.Unlock()
	p.metrics.resizes.Inc(1)
	return nil
}

// DestroyCQ destroys cq on the device and releases its memory. Queue pairs
// using cq must be destroyed first.
func (p *Provider) DestroyCQ(ctx context.Context, cq *CQ) error {
	p.mu.Lock()
	if p.cqs[cq.ID()] != cq {
		p.mu.Unlock()
		return fmt.Errorf("completion queue %d is not owned by this provider", cq.ID())
	}
	if cq.users > 0 {
		p.mu.Unlock()
		return fmt.Errorf("completion queue %d is used by %d queue pairs", cq.ID(), cq.users)
	}
	p.mu.Unlock()

	if _, err := p.submit(ctx, cqp.DestroyCQ(cq.ID(), false)); err != nil {
		return fmt.Errorf("destroy completion queue %d: %w", cq.ID(), err)
	}

	p.mu.Lock()
	delete(p.cqs, cq.ID())
	p.metrics.cqs.Update(int64(len(p.cqs)))
	p.mu.Unlock()
	return errors.Join(cq.Destroy(), p.free(cq.ring, cq.shadow))
}
