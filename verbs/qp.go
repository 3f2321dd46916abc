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

// QPType is the transport of a queue pair.
type QPType uint8

const (
	// RC queue pairs are connected to one peer with [Provider.ModifyQP].
	RC QPType = cqp.QPTypeRC
	// UD queue pairs address each send to a destination queue pair.
	UD QPType = cqp.QPTypeUD
)

// QPState is the state of a queue pair.
type QPState uint8

const (
	StateReset QPState = cqp.QPStateReset
	StateInit  QPState = cqp.QPStateInit
	StateRTR   QPState = cqp.QPStateRTR
	StateRTS   QPState = cqp.QPStateRTS
	StateError QPState = cqp.QPStateError
)

func (s QPState) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateInit:
		return "init"
	case StateRTR:
		return "rtr"
	case StateRTS:
		return "rts"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// QPOptions describes a queue pair. Sizes are in work requests.
type QPOptions struct {
	Type   QPType
	SendCQ *CQ
	RecvCQ *CQ

	SQSize     uint32
	RQSize     uint32
	MaxSQFrags uint32
	MaxRQFrags uint32
	MaxInline  uint32
	RelaxedRQ  bool
	// Push maps a push page for the queue pair when the device supports
	// push mode.
	Push bool
}

// QP is a queue pair known to the device.
type QP struct {
	*queue.QP

	typ     QPType
	state   QPState
	hctx    wqe.QPContext
	sendCQ  *CQ
	recvCQ  *CQ
	sq      hw.DMA
	rq      hw.DMA
	shadow  hw.DMA
	ctxMem  hw.DMA
	push    hw.DMA
	pushIdx int
}

func (qp *QP) Type() QPType { return qp.typ }

// State returns the state last set with [Provider.ModifyQP].
func (qp *QP) State() QPState { return qp.state }

// CreateQP allocates the work queues of a queue pair and creates it on the
// device in the reset state.
func (p *Provider) CreateQP(ctx context.Context, o QPOptions) (*QP, error) {
	if o.SendCQ == nil || o.RecvCQ == nil {
		return nil, errors.New("queue pair needs a send and a receive completion queue")
	}

	p.mu.Lock()
	if err := p.checkOpen(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if uint32(len(p.qps)) >= p.dev.Attrs.MaxQPs {
		p.mu.Unlock()
		return nil, fmt.Errorf("queue pair limit %d reached", p.dev.Attrs.MaxQPs)
	}
	id := p.nextQP
	for p.qps[id] != nil {
		id++
	}
	p.nextQP = id + 1
	p.qps[id] = &QP{}
	pushIdx := -1
	if o.Push && p.dev.Features.Has(hw.FeaturePushMode) {
		for i, used := range p.pushPages {
			if !used {
				p.pushPages[i] = true
				pushIdx = i
				break
			}
		}
	}
	o.SendCQ.users++
	o.RecvCQ.users++
	p.mu.Unlock()

	qp, err := p.createQP(ctx, id, pushIdx, o)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		delete(p.qps, id)
		if pushIdx >= 0 {
			p.pushPages[pushIdx] = false
		}
		o.SendCQ.users--
		o.RecvCQ.users--
		return nil, err
	}
	p.qps[id] = qp
	p.metrics.qps.Update(int64(len(p.qps)))
	return qp, nil
}

func (p *Provider) createQP(ctx context.Context, id uint32, pushIdx int, o QPOptions) (*QP, error) {
	a := &p.dev.Attrs
	ops, err := wqe.OpsFor(a.Generation)
	if err != nil {
		return nil, err
	}
	sqDepth, err := queue.SQDepth(a, o.SQSize, ops.WQEShift(o.MaxSQFrags, o.MaxInline))
	if err != nil {
		return nil, fmt.Errorf("send queue: %w", err)
	}
	rqShift, err := wqe.RQWQEShift(o.MaxRQFrags)
	if err != nil {
		return nil, fmt.Errorf("receive queue: %w", err)
	}
	rqDepth, err := queue.RQDepth(a, o.RQSize, rqShift)
	if err != nil {
		return nil, fmt.Errorf("receive queue: %w", err)
	}

	qp := &QP{typ: o.Type, sendCQ: o.SendCQ, recvCQ: o.RecvCQ, pushIdx: pushIdx}
	release := func(err error) error {
		return errors.Join(err, p.free(qp.sq, qp.rq, qp.shadow, qp.ctxMem, qp.push))
	}
	if qp.sq, err = p.alloc("send queue", int(sqDepth)*wqe.QuantumSize); err != nil {
		return nil, release(err)
	}
	if qp.rq, err = p.alloc("receive queue", int(rqDepth<<rqShift)*wqe.QuantumSize); err != nil {
		return nil, release(err)
	}
	if qp.shadow, err = p.alloc("queue pair shadow", wqe.ShadowAreaSize); err != nil {
		return nil, release(err)
	}
	if qp.ctxMem, err = p.alloc("queue pair context", wqe.QPContextSize); err != nil {
		return nil, release(err)
	}
	if pushIdx >= 0 {
		if qp.push, err = p.alloc("push page", 2*int(a.MaxSQChunk)*wqe.QuantumSize); err != nil {
			return nil, release(err)
		}
		if _, err := p.submit(ctx, cqp.ManagePushPage(uint16(pushIdx), qp.push.Addr, false)); err != nil {
			return nil, release(fmt.Errorf("map push page %d: %w", pushIdx, err))
		}
	}
	unmapPush := func(err error) error {
		if pushIdx >= 0 {
			_, perr := p.submit(ctx, cqp.ManagePushPage(uint16(pushIdx), 0, true))
			err = errors.Join(err, perr)
		}
		return release(err)
	}

	qp.QP, err = queue.NewQP(p.dev, p.owners, queue.QPInit{
		ID:         id,
		SQ:         qp.sq,
		SQDepth:    sqDepth,
		SQReserve:  a.SQReserved,
		RQ:         qp.rq,
		RQDepth:    rqDepth,
		RQShift:    rqShift,
		Shadow:     qp.shadow,
		Push:       qp.push,
		MaxSQFrags: o.MaxSQFrags,
		MaxRQFrags: o.MaxRQFrags,
		MaxInline:  o.MaxInline,
		RelaxedRQ:  o.RelaxedRQ,
		SendCQ:     o.SendCQ.CQ,
		RecvCQ:     o.RecvCQ.CQ,
	})
	if err != nil {
		return nil, unmapPush(err)
	}

	qp.hctx = wqe.QPContext{
		SQAddr:            qp.sq.Addr,
		RQAddr:            qp.rq.Addr,
		SQSize:            sqDepth,
		RQSize:            rqDepth,
		RQShift:           rqShift,
		Gen:               a.Generation,
		RelaxedRQ:         o.RelaxedRQ,
		SendCQ:            o.SendCQ.ID(),
		RecvCQ:            o.RecvCQ.ID(),
		CompletionContext: uint64(qp.Handle()),
		PushValid:         pushIdx >= 0,
		PushIdx:           uint16(max(pushIdx, 0)),
	}
	qp.hctx.Encode(qp.ctxMem.Buf)

	info := cqp.QPInfo{ID: id, Type: uint8(o.Type), ContextAddr: qp.ctxMem.Addr, ShadowAddr: qp.shadow.Addr}
	if _, err := p.submit(ctx, cqp.CreateQP(info)); err != nil {
		qp.Retire()
		return nil, unmapPush(fmt.Errorf("create queue pair %d: %w", id, err))
	}
	p.l.WithField("qp", id).
		WithField("sq_quanta", sqDepth).
		WithField("rq_depth", rqDepth).
		WithField("push", pushIdx >= 0).
		Debug("Queue pair created")
	return qp, nil
}

// ModifyAttrs is a queue pair transition. DestQP connects an RC queue pair
// to its peer and is applied with the transition.
type ModifyAttrs struct {
	State  QPState
	DestQP *uint32
}

// ModifyQP moves qp to a new state. Moving to [StateError] stops posting;
// outstanding work is reported once [Provider.FlushQP] runs.
func (p *Provider) ModifyQP(ctx context.Context, qp *QP, m ModifyAttrs) error {
	info := cqp.QPInfo{ID: qp.ID(), Type: uint8(qp.typ), NextState: uint8(m.State)}
	if m.DestQP != nil {
		qp.hctx.DestQP = *m.DestQP
		qp.hctx.DestValid = true
		qp.hctx.Encode(qp.ctxMem.Buf)
		info.ContextAddr = qp.ctxMem.Addr
	}
	if m.State == StateError {
		qp.SetError()
	}
	if _, err := p.submit(ctx, cqp.ModifyQP(info)); err != nil {
		return fmt.Errorf("modify queue pair %d to %s: %w", qp.ID(), m.State, err)
	}
	qp.state = m.State
	return nil
}

// Connect moves two RC queue pairs to ready to send, each with the other as
// its peer.
func (p *Provider) Connect(ctx context.Context, a, b *QP) error {
	for _, pair := range [][2]*QP{{a, b}, {b, a}} {
		dest := pair[1].ID()
		if err := p.ModifyQP(ctx, pair[0], ModifyAttrs{State: StateInit}); err != nil {
			return err
		}
		if err := p.ModifyQP(ctx, pair[0], ModifyAttrs{State: StateRTR, DestQP: &dest}); err != nil {
			return err
		}
	}
	for _, qp := range []*QP{a, b} {
		if err := p.ModifyQP(ctx, qp, ModifyAttrs{State: StateRTS}); err != nil {
			return err
		}
	}
	return nil
}

// FlushQP moves qp to the error state and has every outstanding request
// reported as flushed. The device is asked to flush first; when it refuses,
// the completion queues generate the flushed completions themselves.
func (p *Provider) FlushQP(ctx context.Context, qp *QP) error {
	if qp.state != StateError {
		if err := p.ModifyQP(ctx, qp, ModifyAttrs{State: StateError}); err != nil {
			return err
		}
	}
	p.metrics.flushes.Inc(1)

	_, err := p.submit(ctx, cqp.FlushWQEs(cqp.FlushInfo{QPID: qp.ID(), SQ: true, RQ: true}))
	var ce *cqp.CommandError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		p.l.WithField("qp", qp.ID()).
			WithField("major", ce.Major).
			WithField("minor", ce.Minor).
			Info("Device refused to flush, generating flushed completions")
		qp.sendCQ.GenerateFlush(qp.QP)
		if qp.recvCQ != qp.sendCQ {
			qp.recvCQ.GenerateFlush(qp.QP)
		}
		p.metrics.swFlush.Inc(1)
		return nil
	}
	return fmt.Errorf("flush queue pair %d: %w", qp.ID(), err)
}

// DestroyQP destroys qp on the device, drops its pending completions and
// releases its memory.
func (p *Provider) DestroyQP(ctx context.Context, qp *QP) error {
	p.mu.Lock()
	if p.qps[qp.ID()] != qp {
		p.mu.Unlock()
		return fmt.Errorf("queue pair %d is not owned by this provider", qp.ID())
	}
	p.mu.Unlock()

	qp.Retire()
	if _, err := p.submit(ctx, cqp.DestroyQP(cqp.QPInfo{ID: qp.ID(), Type: uint8(qp.typ)})); err != nil {
		return fmt.Errorf("destroy queue pair %d: %w", qp.ID(), err)
	}
	qp.sendCQ.Clean(qp.Handle())
	if qp.recvCQ != qp.sendCQ {
		qp.recvCQ.Clean(qp.Handle())
	}

	var errs []error
	if qp.pushIdx >= 0 {
		if _, err := p.submit(ctx, cqp.ManagePushPage(uint16(qp.pushIdx), 0, true)); err != nil {
			errs = append(errs, fmt.Errorf("release push page %d: %w", qp.pushIdx, err))
		}
	}
	errs = append(errs, p.free(qp.sq, qp.rq, qp.shadow, qp.ctxMem, qp.push))

	p.mu.Lock()
	delete(p.qps, qp.ID())
	if qp.pushIdx >= 0 {
		p.pushPages[qp.pushIdx] = false
	}
	qp.sendCQ.users--
	qp.recvCQ.users--
	p.metrics.qps.Update(int64(len(p.qps)))
	p.mu.Unlock()
	return errors.Join(errs...)
}
