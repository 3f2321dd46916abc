// Package emu is a software RDMA engine. It sits on the device side of every
// ring: it executes control commands, consumes send and receive queues,
// moves payload between registered regions of one [hw.MemoryLayout] and
// writes completions with the polarity protocol.
//
// Doorbells are processed synchronously inside [Device.Write32], so a
// completion is visible as soon as the doorbell write returns. Tests use
// [Device.Pause] to hold doorbells back.
package emu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/wqe"
)

// ArmFunc is called when a completion is written to an armed completion
// queue. It runs with the device lock held and must not ring doorbells.
type ArmFunc func(cqID uint32)

type doorbell struct {
	reg hw.Register
	val uint32
}

// Device emulates the register file and DMA engine of an RDMA device.
type Device struct {
	mu  sync.Mutex
	l   *logrus.Logger
	mem *hw.MemoryLayout
	ops wqe.Ops

	attrs    hw.Attrs
	features hw.Feature

	regs [hw.NumRegisters]atomic.Uint32

	cqp       *cqpState
	ccq       *cqState
	qps       map[uint32]*qpState
	cqs       map[uint32]*cqState
	stags     map[uint32]*stag
	pushPages map[uint16]uint64

	paused  bool
	pending []doorbell

	noHWFlush atomic.Bool
	dropPush  int
	onArm     ArmFunc

	metrics *emuMetrics
}

type emuMetrics struct {
	commands    metrics.Counter
	sqWQEs      metrics.Counter
	rqWQEs      metrics.Counter
	cqes        metrics.Counter
	bytes       metrics.Counter
	pushes      metrics.Counter
	overflows   metrics.Counter
	qpErrors    metrics.Counter
	doorbells   metrics.Counter
	payloadSize metrics.Histogram
}

// New returns an emulated device that resolves every address through mem.
func New(l *logrus.Logger, attrs hw.Attrs, features hw.Feature, mem *hw.MemoryLayout) (*Device, error) {
	ops, err := wqe.OpsFor(attrs.Generation)
	if err != nil {
		return nil, err
	}
	return &Device{
		l:         l,
		mem:       mem,
		ops:       ops,
		attrs:     attrs,
		features:  features,
		qps:       make(map[uint32]*qpState),
		cqs:       make(map[uint32]*cqState),
		stags:     make(map[uint32]*stag),
		pushPages: make(map[uint16]uint64),
		metrics: &emuMetrics{
			commands:    metrics.GetOrRegisterCounter("emu.cqp.commands", nil),
			sqWQEs:      metrics.GetOrRegisterCounter("emu.sq.wqes", nil),
			rqWQEs:      metrics.GetOrRegisterCounter("emu.rq.wqes", nil),
			cqes:        metrics.GetOrRegisterCounter("emu.cq.entries", nil),
			bytes:       metrics.GetOrRegisterCounter("emu.bytes", nil),
			pushes:      metrics.GetOrRegisterCounter("emu.sq.pushes", nil),
			overflows:   metrics.GetOrRegisterCounter("emu.cq.overflows", nil),
			qpErrors:    metrics.GetOrRegisterCounter("emu.qp.errors", nil),
			doorbells:   metrics.GetOrRegisterCounter("emu.doorbells", nil),
			payloadSize: metrics.GetOrRegisterHistogram("emu.payload_size", nil, metrics.NewUniformSample(1024)),
		},
	}, nil
}

// NewDevice builds a [hw.Device] backed by an emulated engine and mem.
func NewDevice(l *logrus.Logger, attrs hw.Attrs, features hw.Feature, mem hw.Allocator) (*hw.Device, *Device, error) {
	e, err := New(l, attrs, features, mem.Layout())
	if err != nil {
		return nil, nil, err
	}
	dev, err := hw.NewDevice(l, attrs, features, e, mem)
	if err != nil {
		return nil, nil, err
	}
	return dev, e, nil
}

func (d *Device) Read32(r hw.Register) uint32 {
	if r < 0 || r >= hw.NumRegisters {
		return 0
	}
	return d.regs[r].Load()
}

func (d *Device) Write32(r hw.Register, v uint32) {
	if r < 0 || r >= hw.NumRegisters {
		d.l.WithField("register", r).Warn("Write to an unknown register")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch r {
	case hw.RegCQPDB, hw.RegWQEAlloc, hw.RegPushDB, hw.RegCQArm:
		d.metrics.doorbells.Inc(1)
		if d.paused {
			d.pending = append(d.pending, doorbell{r, v})
			return
		}
	}
	d.regs[r].Store(v)
	d.handle(r, v)
}

// handle acts on a register write. Must be called with d.mu held.
func (d *Device) handle(r hw.Register, v uint32) {
	switch r {
	case hw.RegCCQPLow:
		addr := uint64(d.regs[hw.RegCCQPHigh].Load())<<32 | uint64(v)
		d.createCQP(addr)
	case hw.RegCQPDB:
		d.processCQP(v)
	case hw.RegWQEAlloc:
		d.ringSQ(v, false)
	case hw.RegPushDB:
		d.ringSQ(uint32(wqe.PushDBQPID.Get(uint64(v))), true)
	case hw.RegCQArm:
		d.arm(v)
	}
}

// Pause holds doorbell writes until [Device.Resume].
func (d *Device) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
}

// Resume processes the doorbells written while paused, in order.
func (d *Device) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	pending := d.pending
	d.pending = nil
	for _, db := range pending {
		d.regs[db.reg].Store(db.val)
		d.handle(db.reg, db.val)
	}
}

// DisableHWFlush makes the device refuse flush commands and stop
// producing flush completions, so software has to generate them.
func (d *Device) DisableHWFlush(disable bool) {
	d.noHWFlush.Store(disable)
}

// DropPush makes the device drop the next n push doorbells. The descriptor
// is fetched from the send queue instead and its completion carries the
// push dropped flag.
func (d *Device) DropPush(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropPush = n
}

// OnArm sets the function called when an armed completion queue receives a
// completion.
func (d *Device) OnArm(f ArmFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onArm = f
}

// InjectCQE writes e to completion queue cqID as the next entry.
func (d *Device) InjectCQE(cqID uint32, e wqe.CQE) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cq, ok := d.cqs[cqID]
	if !ok {
		return fmt.Errorf("completion queue %d does not exist", cqID)
	}
	return cq.write(d, e)
}

// SetQPError moves a queue pair to the error state as if a request had
// failed with minor, flushing its work queues unless hardware flush is
// disabled.
func (d *Device) SetQPError(qpID uint32, minor wqe.MinorErr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	qp, ok := d.qps[qpID]
	if !ok {
		return fmt.Errorf("queue pair %d does not exist", qpID)
	}
	d.fail(qp, minor)
	return nil
}

// QPState reports whether queue pair id exists and is in error.
func (d *Device) QPState(id uint32) (exists, inError bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	qp, ok := d.qps[id]
	if !ok {
		return false, false
	}
	return true, qp.inError
}

// Counts returns the number of live queue pairs, completion queues and
// steering tags.
func (d *Device) Counts() (qps, cqs, stags int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.qps), len(d.cqs), len(d.stags)
}

// translate resolves a device address range.
func (d *Device) translate(addr uint64, n int) ([]byte, error) {
	return d.mem.Translate(addr, n)
}
