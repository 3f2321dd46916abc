// Package verbs pairs every queue object with the control commands that
// make it known to the device. A [Provider] owns the control ring, hands out
// queue pair, completion queue and steering tag ids and keeps the memory of
// each object until the device has forgotten it.
package verbs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring/cqp"
	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/queue"
)

// ErrClosed is returned by every call after [Provider.Close].
var ErrClosed = errors.New("provider is closed")

// ccqID is the completion queue id of the control completion ring. Regular
// completion queues are numbered from 1.
const ccqID = 0

type Option func(*options)

type options struct {
	cqpSize   uint32
	ccqSize   uint32
	pollCount uint32
	pollDelay time.Duration
	pd        uint32
}

// WithControlRing sets the control ring size and the control completion
// ring size. A zero ccq size keeps commands on register polling.
func WithControlRing(size, ccq uint32) Option {
	return func(o *options) {
		o.cqpSize = size
		o.ccqSize = ccq
	}
}

// WithPolling bounds every wait for a control command.
func WithPolling(count uint32, delay time.Duration) Option {
	return func(o *options) {
		o.pollCount = count
		o.pollDelay = delay
	}
}

// WithProtectionDomain sets the protection domain of every registration.
func WithProtectionDomain(pd uint32) Option {
	return func(o *options) { o.pd = pd }
}

// Provider creates and destroys queue objects on one device.
type Provider struct {
	mu     sync.Mutex
	dev    *hw.Device
	l      *logrus.Logger
	cqp    *cqp.CQP
	owners *queue.Registry
	pd     uint32
	closed bool

	cqs   map[uint32]*CQ
	qps   map[uint32]*QP
	stags map[uint32]*Stag

	nextCQ   uint32
	nextQP   uint32
	nextStag uint32
	stagKey  uint8
	// pushPages marks push page indexes in use.
	pushPages []bool

	metrics *providerMetrics
}

type providerMetrics struct {
	qps      metrics.Gauge
	cqs      metrics.Gauge
	stags    metrics.Gauge
	flushes  metrics.Counter
	swFlush  metrics.Counter
	resizes  metrics.Counter
	failures metrics.Counter
}

// Open brings up the control ring on dev and, unless disabled, the control
// completion ring.
func Open(ctx context.Context, dev *hw.Device, opts ...Option) (*Provider, error) {
	o := options{
		cqpSize:   cqp.DefaultSize,
		ccqSize:   cqp.DefaultSize,
		pollCount: dev.Attrs.CQPMaxDoneCount,
		pollDelay: dev.Attrs.CQPPollDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c, err := cqp.New(dev, cqp.WithSize(o.cqpSize), cqp.WithPolling(o.pollCount, o.pollDelay))
	if err != nil {
		return nil, err
	}
	if err := c.Create(ctx); err != nil {
		return nil, errors.Join(err, c.Destroy())
	}
	if o.ccqSize != 0 {
		if err := c.AttachCCQ(ctx, ccqID, o.ccqSize); err != nil {
			return nil, errors.Join(err, c.Destroy())
		}
	}

	p := &Provider{
		dev:       dev,
		l:         dev.L,
		cqp:       c,
		owners:    queue.NewRegistry(),
		pd:        o.pd,
		cqs:       make(map[uint32]*CQ),
		qps:       make(map[uint32]*QP),
		stags:     make(map[uint32]*Stag),
		nextCQ:    1,
		nextQP:    1,
		nextStag:  1,
		pushPages: make([]bool, dev.Attrs.MaxPushPages),
		metrics: &providerMetrics{
			qps:      metrics.GetOrRegisterGauge("verbs.qps", nil),
			cqs:      metrics.GetOrRegisterGauge("verbs.cqs", nil),
			stags:    metrics.GetOrRegisterGauge("verbs.stags", nil),
			flushes:  metrics.GetOrRegisterCounter("verbs.flushes", nil),
			swFlush:  metrics.GetOrRegisterCounter("verbs.flushes.software", nil),
			resizes:  metrics.GetOrRegisterCounter("verbs.cq.resizes", nil),
			failures: metrics.GetOrRegisterCounter("verbs.commands.failed", nil),
		},
	}
	p.l.WithField("generation", dev.Attrs.Generation).
		WithField("features", dev.Features.String()).
		Info("RDMA provider opened")
	return p, nil
}

// Device returns the device the provider was opened on.
func (p *Provider) Device() *hw.Device {
	return p.dev
}

// Close destroys every remaining object, then the control rings.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	qps := make([]*QP, 0, len(p.qps))
	for _, qp := range p.qps {
		qps = append(qps, qp)
	}
	// Windows go before the regions they are bound to.
	stags := make([]*Stag, 0, len(p.stags))
	for _, s := range p.stags {
		if s.Kind == KindMW {
			stags = append(stags, s)
		}
	}
	for _, s := range p.stags {
		if s.Kind != KindMW {
			stags = append(stags, s)
		}
	}
	cqs := make([]*CQ, 0, len(p.cqs))
	for _, cq := range p.cqs {
		cqs = append(cqs, cq)
	}
	p.mu.Unlock()

	var errs []error
	for _, qp := range qps {
		errs = append(errs, p.DestroyQP(ctx, qp))
	}
	for _, s := range stags {
		errs = append(errs, p.Dealloc(ctx, s))
	}
	for _, cq := range cqs {
		errs = append(errs, p.DestroyCQ(ctx, cq))
	}

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	errs = append(errs, p.cqp.DetachCCQ(ctx), p.cqp.Destroy())
	p.l.Info("RDMA provider closed")
	return errors.Join(errs...)
}

// submit runs one control command.
func (p *Provider) submit(ctx context.Context, cmd cqp.Command) (cqp.Result, error) {
	res, err := p.cqp.Submit(ctx, cmd, 0)
	if err != nil {
		p.metrics.failures.Inc(1)
	}
	return res, err
}

// alloc returns n bytes of device memory. Allocation failures are wrapped
// with what.
func (p *Provider) alloc(what string, n int) (hw.DMA, error) {
	d, err := p.dev.Mem.Alloc(n)
	if err != nil {
		return hw.DMA{}, fmt.Errorf("allocate %s: %w", what, err)
	}
	return d, nil
}

// free releases device memory, skipping buffers that were never allocated.
func (p *Provider) free(ds ...hw.DMA) error {
	var errs []error
	for _, d := range ds {
		if d.Buf != nil {
			errs = append(errs, p.dev.Mem.Free(d))
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) checkOpen() error {
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Counts returns the number of live queue pairs, completion queues and
// steering tags.
func (p *Provider) Counts() (qps, cqs, stags int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.qps), len(p.cqs), len(p.stags)
}
