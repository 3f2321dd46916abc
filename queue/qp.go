package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/ring"
	"github.com/slackhq/rdmaring/wqe"
)

// FlushState is the state of one work queue with respect to the error flush.
type FlushState uint8

const (
	FlushActive FlushState = iota
	// FlushFlushing queues produce flushed completions for outstanding work.
	FlushFlushing
	// FlushDrained queues have reported every outstanding request.
	FlushDrained
)

func (s FlushState) String() string {
	switch s {
	case FlushActive:
		return "active"
	case FlushFlushing:
		return "flushing"
	case FlushDrained:
		return "drained"
	}
	return fmt.Sprintf("flush_state(%d)", uint8(s))
}

type flushState struct {
	seen     bool
	complete bool
}

func (f flushState) state() FlushState {
	switch {
	case f.complete:
		return FlushDrained
	case f.seen:
		return FlushFlushing
	}
	return FlushActive
}

type trackEntry struct {
	wrid     uint64
	length   uint32
	quanta   uint16
	signaled bool
}

// QPInit describes the memory and limits of a new queue pair.
type QPInit struct {
	ID uint32

	// SQ holds SQDepth quanta, RQ holds RQDepth descriptors of 1<<RQShift
	// quanta each.
	SQ      hw.DMA
	SQDepth uint32
	// SQReserve quanta are never handed out.
	SQReserve uint32
	RQ        hw.DMA
	RQDepth   uint32
	RQShift   uint8

	// Shadow is the area the device reports its send queue tail in.
	Shadow hw.DMA
	// Push is the push page. A nil buffer disables push mode.
	Push hw.DMA

	MaxSQFrags uint32
	MaxRQFrags uint32
	MaxInline  uint32
	// RelaxedRQ accepts receive completions out of slot order.
	RelaxedRQ bool

	SendCQ *CQ
	RecvCQ *CQ
}

// SQDepth returns the send queue depth in quanta for size requests of
// 1<<shift quanta each.
func SQDepth(attrs *hw.Attrs, size uint32, shift uint8) (uint32, error) {
	return wqDepth(attrs, size, shift, attrs.SQReserved)
}

// RQDepth returns the receive queue depth in descriptors.
func RQDepth(attrs *hw.Attrs, size uint32, shift uint8) (uint32, error) {
	return wqDepth(attrs, size, shift, attrs.RQReserved)
}

func wqDepth(attrs *hw.Attrs, size uint32, shift uint8, reserved uint32) (uint32, error) {
	d := ring.RoundUp(size<<shift + reserved)
	if m := attrs.MinWQSize << shift; d < m {
		d = m
	}
	if d > attrs.MaxWQQuanta {
		return 0, fmt.Errorf("work queue of %d entries needs %d quanta, more than %d", size, d, attrs.MaxWQQuanta)
	}
	return d, nil
}

// QP is a queue pair: a send queue and a receive queue sharing one producer
// lock. The lock is also taken by completion processing whenever it moves
// the queue tails or rewrites receive descriptors.
type QP struct {
	mu     sync.Mutex
	id     uint32
	handle Handle
	owners *Registry
	dev    *hw.Device
	ops    wqe.Ops
	l      *logrus.Logger

	sq           []byte
	sqRing       ring.Ring
	sqTrack      []trackEntry
	swqePolarity uint8
	// initialHead is the send queue head when the doorbell was last
	// considered.
	initialHead uint32
	maxSQFrags  uint32
	maxInline   uint32
	inlineImm   bool
	sqFlush     flushState

	rq           []byte
	rqRing       ring.Ring
	rqShift      uint8
	rqWRID       []uint64
	rwqePolarity uint8
	// rqReposted marks receive slots that were rearmed out of order and
	// still owe a completion.
	rqReposted    []bool
	rqRepostCount uint32
	maxRQFrags    uint32
	relaxedRQ     bool
	rqFlush       flushState

	shadow      []byte
	push        []byte
	pushMode    bool
	pushDropped bool

	sendCQ *CQ
	recvCQ *CQ

	inError    atomic.Bool
	destroying atomic.Bool

	metrics *qpMetrics
}

type qpMetrics struct {
	posted              metrics.Counter
	nopPadding          metrics.Counter
	doorbells           metrics.Counter
	doorbellsSuppressed metrics.Counter
	push                metrics.Counter
	reposted            metrics.Counter
}

func newQPMetrics() *qpMetrics {
	return &qpMetrics{
		posted:              metrics.GetOrRegisterCounter("queue.sq.posted", nil),
		nopPadding:          metrics.GetOrRegisterCounter("queue.sq.nop_padding", nil),
		doorbells:           metrics.GetOrRegisterCounter("queue.sq.doorbells", nil),
		doorbellsSuppressed: metrics.GetOrRegisterCounter("queue.sq.doorbells_suppressed", nil),
		push:                metrics.GetOrRegisterCounter("queue.sq.push", nil),
		reposted:            metrics.GetOrRegisterCounter("queue.rq.reposted", nil),
	}
}

// NewQP initializes a queue pair over the memory in init and registers it in
// owners. The returned handle must be programmed as the completion context
// of the queue pair.
func NewQP(dev *hw.Device, owners *Registry, init QPInit) (*QP, error) {
	ops, err := wqe.OpsFor(dev.Attrs.Generation)
	if err != nil {
		return nil, err
	}
	if err := validateQPInit(dev, ops, &init); err != nil {
		return nil, err
	}

	qp := &QP{
		id:         init.ID,
		owners:     owners,
		dev:        dev,
		ops:        ops,
		l:          dev.L,
		sq:         init.SQ.Buf[:init.SQDepth*wqe.QuantumSize],
		sqRing:     ring.NewReserved(init.SQDepth, init.SQReserve),
		sqTrack:    make([]trackEntry, init.SQDepth),
		maxSQFrags: init.MaxSQFrags,
		maxInline:  init.MaxInline,
		// Immediate data shares the first qword with generation 1 inline
		// payload.
		inlineImm:  ops.Generation() != wqe.Gen1,
		rq:         init.RQ.Buf[:(init.RQDepth<<init.RQShift)*wqe.QuantumSize],
		rqRing:     ring.New(init.RQDepth),
		rqShift:    init.RQShift,
		rqWRID:     make([]uint64, init.RQDepth),
		rqReposted: make([]bool, init.RQDepth),
		maxRQFrags: init.MaxRQFrags,
		relaxedRQ:  init.RelaxedRQ,
		shadow:     init.Shadow.Buf[:wqe.ShadowAreaSize],
		sendCQ:     init.SendCQ,
		recvCQ:     init.RecvCQ,
		metrics:    newQPMetrics(),
	}
	if init.Push.Buf != nil {
		qp.push = init.Push.Buf
	}
	qp.handle = owners.add(qp)
	return qp, nil
}

func validateQPInit(dev *hw.Device, ops wqe.Ops, init *QPInit) error {
	a := &dev.Attrs
	if err := ring.CheckSize(init.SQDepth); err != nil {
		return fmt.Errorf("send queue depth: %w", err)
	}
	if init.SQDepth%a.MaxSQChunk != 0 {
		return fmt.Errorf("send queue depth %d is not a multiple of the %d quanta chunk", init.SQDepth, a.MaxSQChunk)
	}
	if init.SQReserve >= init.SQDepth {
		return fmt.Errorf("send queue reserve %d must be smaller than depth %d", init.SQReserve, init.SQDepth)
	}
	if err := ring.CheckSize(init.RQDepth); err != nil {
		return fmt.Errorf("receive queue depth: %w", err)
	}
	if len(init.SQ.Buf) < int(init.SQDepth)*wqe.QuantumSize {
		return errors.New("send queue buffer is too small")
	}
	if len(init.RQ.Buf) < int(init.RQDepth<<init.RQShift)*wqe.QuantumSize {
		return errors.New("receive queue buffer is too small")
	}
	if len(init.Shadow.Buf) < wqe.ShadowAreaSize {
		return errors.New("shadow area is too small")
	}
	if init.MaxSQFrags == 0 || init.MaxSQFrags > a.MaxSQFrags {
		return fmt.Errorf("max send fragments %d outside 1..%d", init.MaxSQFrags, a.MaxSQFrags)
	}
	if init.MaxRQFrags == 0 || init.MaxRQFrags > a.MaxRQFrags {
		return fmt.Errorf("max receive fragments %d outside 1..%d", init.MaxRQFrags, a.MaxRQFrags)
	}
	shift, err := wqe.RQWQEShift(init.MaxRQFrags)
	if err != nil {
		return err
	}
	if shift > init.RQShift {
		return fmt.Errorf("receive descriptors of %d quanta cannot hold %d fragments", 1<<init.RQShift, init.MaxRQFrags)
	}
	if init.MaxInline > a.MaxInlineData || init.MaxInline > ops.MaxInline() {
		return fmt.Errorf("max inline data %d exceeds %d", init.MaxInline, min(a.MaxInlineData, ops.MaxInline()))
	}
	if init.RelaxedRQ && !dev.Features.Has(hw.FeatureRelaxRQOrder) {
		return errors.New("relaxed receive ordering was not negotiated")
	}
	if init.Push.Buf != nil {
		if !dev.Features.Has(hw.FeaturePushMode) {
			return errors.New("push mode was not negotiated")
		}
		if len(init.Push.Buf) < 2*int(a.MaxSQChunk)*wqe.QuantumSize {
			return errors.New("push page is too small")
		}
	}
	if init.SendCQ == nil || init.RecvCQ == nil {
		return errors.New("queue pair needs a send and a receive completion queue")
	}
	return nil
}

// ID returns the queue pair id known to the device.
func (qp *QP) ID() uint32 {
	return qp.id
}

// Handle is the completion context of the queue pair.
func (qp *QP) Handle() Handle {
	return qp.handle
}

// SendCQ returns the completion queue of the send queue.
func (qp *QP) SendCQ() *CQ { return qp.sendCQ }

// RecvCQ returns the completion queue of the receive queue.
func (qp *QP) RecvCQ() *CQ { return qp.recvCQ }

// SetError stops the queue pair from accepting work. Outstanding work is
// reported by the flush.
func (qp *QP) SetError() {
	qp.inError.Store(true)
}

// InError reports whether posting is refused.
func (qp *QP) InError() bool {
	return qp.inError.Load()
}

// Retire marks the queue pair as being destroyed and unregisters it.
// Completions still in flight for it are skipped.
func (qp *QP) Retire() {
	qp.destroying.Store(true)
	qp.owners.remove(qp.handle)
}

// SQFlushState returns the flush state of the send queue.
func (qp *QP) SQFlushState() FlushState {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.sqFlush.state()
}

// RQFlushState returns the flush state of the receive queue.
func (qp *QP) RQFlushState() FlushState {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.rqFlush.state()
}

// Outstanding returns the quanta in use on the send queue and the
// descriptors in use on the receive queue, including reposted ones.
func (qp *QP) Outstanding() (sq, rq uint32) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.sqRing.Used(), qp.rqRing.Used() + qp.rqRepostCount
}

// PushMode reports whether the last send went through the push page.
func (qp *QP) PushMode() bool {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.pushMode
}

func (qp *QP) sqSlot(idx uint32, quanta uint16) []byte {
	return qp.sq[idx*wqe.QuantumSize : (idx+uint32(quanta))*wqe.QuantumSize]
}

func (qp *QP) rqSlot(idx uint32) []byte {
	size := uint32(wqe.QuantumSize) << qp.rqShift
	return qp.rq[idx*size : (idx+1)*size]
}

func (qp *QP) String() string {
	return fmt.Sprintf("qp %d sq %s rq %s", qp.id, &qp.sqRing, &qp.rqRing)
}
