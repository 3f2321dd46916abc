package rdmaring

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring/config"
	"github.com/slackhq/rdmaring/emu"
	"github.com/slackhq/rdmaring/eventfd"
	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/queue"
	"github.com/slackhq/rdmaring/verbs"
	"github.com/slackhq/rdmaring/wqe"
	"golang.org/x/sync/errgroup"
)

const (
	waitPoll  = "poll"
	waitEvent = "event"

	benchOpSend  = "send"
	benchOpWrite = "write"
)

// eventWaitTimeout bounds one epoll wait so a stopped workload is noticed.
const eventWaitTimeout = 100 * time.Millisecond

type benchConfig struct {
	pairs    int
	depth    int
	size     int
	inline   bool
	op       string
	wait     string
	duration time.Duration
}

func loadBenchConfig(c *config.C, attrs *hw.Attrs) (benchConfig, error) {
	bc := benchConfig{
		pairs:    c.GetInt("bench.pairs", 1),
		depth:    c.GetInt("bench.depth", 16),
		size:     c.GetSize("bench.message_size", 4096),
		inline:   c.GetBool("bench.inline", false),
		op:       c.GetString("bench.op", benchOpSend),
		wait:     c.GetString("bench.wait", waitPoll),
		duration: c.GetDuration("bench.duration", 0),
	}

	if bc.pairs < 1 {
		return bc, fmt.Errorf("bench.pairs must be at least 1, got %d", bc.pairs)
	}
	if bc.depth < 1 {
		return bc, fmt.Errorf("bench.depth must be at least 1, got %d", bc.depth)
	}
	if bc.size < 1 {
		return bc, fmt.Errorf("bench.message_size must be at least 1 byte, got %d", bc.size)
	}
	if bc.inline && uint32(bc.size) > attrs.MaxInlineData {
		return bc, fmt.Errorf("bench.message_size %d exceeds the inline limit of %d", bc.size, attrs.MaxInlineData)
	}
	switch bc.op {
	case benchOpSend, benchOpWrite:
	default:
		return bc, fmt.Errorf("bench.op was not understood: %s", bc.op)
	}
	switch bc.wait {
	case waitPoll, waitEvent:
	default:
		return bc, fmt.Errorf("bench.wait was not understood: %s", bc.wait)
	}
	return bc, nil
}

// Report sums up a finished workload.
type Report struct {
	Messages uint64
	Bytes    uint64
	Elapsed  time.Duration
}

func (r Report) Rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Messages) / r.Elapsed.Seconds()
}

// bench drives loopback traffic between connected queue pairs.
type bench struct {
	l     *logrus.Logger
	p     *verbs.Provider
	cfg   benchConfig
	pairs []*benchPair

	messages metrics.Counter
	bytes    metrics.Counter
	rounds   metrics.Timer
}

type benchPair struct {
	idx  int
	cq   *verbs.CQ
	a, b *verbs.QP

	src, dst     hw.DMA
	srcMR, dstMR *verbs.Stag

	event *eventfd.EventFD
	epoll *eventfd.Epoll

	messages, bytes uint64
}

func newBench(ctx context.Context, l *logrus.Logger, p *verbs.Provider, e *emu.Device, cfg benchConfig) (_ *bench, err error) {
	b := &bench{
		l:        l,
		p:        p,
		cfg:      cfg,
		messages: metrics.GetOrRegisterCounter("bench.messages", nil),
		bytes:    metrics.GetOrRegisterCounter("bench.bytes", nil),
		rounds:   metrics.GetOrRegisterTimer("bench.rounds", nil),
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, b.Close(ctx))
		}
	}()

	for i := range cfg.pairs {
		bp, err := b.newPair(ctx, i)
		// Partially built pairs are torn down by Close.
		b.pairs = append(b.pairs, bp)
		if err != nil {
			return nil, fmt.Errorf("bench pair %d: %w", i, err)
		}
	}

	if cfg.wait == waitEvent {
		byCQ := make(map[uint32]*eventfd.EventFD, len(b.pairs))
		for _, bp := range b.pairs {
			byCQ[bp.cq.ID()] = bp.event
		}
		e.OnArm(func(id uint32) {
			if ev, ok := byCQ[id]; ok {
				_ = ev.Signal()
			}
		})
	}
	return b, nil
}

func (b *bench) newPair(ctx context.Context, idx int) (*benchPair, error) {
	cfg := b.cfg
	bp := &benchPair{idx: idx}
	dev := b.p.Device()

	var err error
	// Every round posts depth sends and at most depth receives.
	bp.cq, err = b.p.CreateCQ(ctx, verbs.CQOptions{Size: uint32(4*cfg.depth + 1)})
	if err != nil {
		return bp, err
	}

	qo := verbs.QPOptions{
		Type:       verbs.RC,
		SendCQ:     bp.cq,
		RecvCQ:     bp.cq,
		SQSize:     uint32(cfg.depth),
		RQSize:     uint32(cfg.depth),
		MaxSQFrags: 1,
		MaxRQFrags: 1,
	}
	if cfg.inline {
		qo.MaxInline = uint32(cfg.size)
	}
	if bp.a, err = b.p.CreateQP(ctx, qo); err != nil {
		return bp, err
	}
	if bp.b, err = b.p.CreateQP(ctx, qo); err != nil {
		return bp, err
	}
	if err := b.p.Connect(ctx, bp.a, bp.b); err != nil {
		return bp, err
	}

	n := cfg.depth * cfg.size
	if bp.src, err = dev.Mem.Alloc(n); err != nil {
		return bp, err
	}
	if bp.dst, err = dev.Mem.Alloc(n); err != nil {
		return bp, err
	}
	if bp.srcMR, err = b.p.RegMR(ctx, bp.src, 0); err != nil {
		return bp, err
	}
	if bp.dstMR, err = b.p.RegMR(ctx, bp.dst, verbs.AccessLocalWrite|verbs.AccessRemoteWrite); err != nil {
		return bp, err
	}

	if cfg.wait == waitEvent {
		if bp.event, err = eventfd.New(); err != nil {
			return bp, err
		}
		if bp.epoll, err = eventfd.NewEpoll(); err != nil {
			return bp, err
		}
		if err := bp.epoll.Add(bp.event); err != nil {
			return bp, err
		}
	}
	return bp, nil
}

// Run drives every pair until ctx is done or the configured duration
// passes.
func (b *bench) Run(ctx context.Context) (Report, error) {
	if b.cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.duration)
		defer cancel()
	}

	b.l.WithField("pairs", b.cfg.pairs).
		WithField("depth", b.cfg.depth).
		WithField("messageSize", b.cfg.size).
		WithField("op", b.cfg.op).
		WithField("wait", b.cfg.wait).
		Info("Starting loopback workload")

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, bp := range b.pairs {
		g.Go(func() error {
			for gctx.Err() == nil {
				if err := b.round(gctx, bp); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("bench pair %d: %w", bp.idx, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	r := Report{Elapsed: time.Since(start)}
	for _, bp := range b.pairs {
		r.Messages += bp.messages
		r.Bytes += bp.bytes
	}
	b.l.WithField("messages", r.Messages).
		WithField("bytes", r.Bytes).
		WithField("elapsed", r.Elapsed).
		WithField("rate", fmt.Sprintf("%.0f/s", r.Rate())).
		Info("Loopback workload finished")
	return r, err
}

// round posts depth messages from a to b and waits for all of them.
func (b *bench) round(ctx context.Context, bp *benchPair) error {
	defer b.rounds.UpdateSince(time.Now())
	cfg := b.cfg
	size := uint32(cfg.size)

	want := cfg.depth
	if cfg.op == benchOpSend {
		recvs := make([]queue.RecvWR, cfg.depth)
		for i := range recvs {
			recvs[i] = queue.RecvWR{
				ID:  uint64(i),
				SGL: []queue.SGE{{Addr: bp.dst.Addr + uint64(i*cfg.size), Len: size, LKey: bp.dstMR.Tag()}},
			}
		}
		if err := bp.b.PostRecv(recvs...); err != nil {
			return err
		}
		want *= 2
	}

	sends := make([]queue.SendWR, cfg.depth)
	for i := range sends {
		off := i * cfg.size
		// Each slot carries its round counter so receivers can tell stale data.
		bp.src.Buf[off] = byte(bp.messages)
		wr := queue.SendWR{
			ID:       uint64(i),
			Op:       wqe.OpSend,
			Signaled: true,
			Inline:   cfg.inline,
			SGL:      []queue.SGE{{Addr: bp.src.Addr + uint64(off), Len: size, LKey: bp.srcMR.Tag()}},
		}
		if cfg.op == benchOpWrite {
			wr.Op = wqe.OpWrite
			wr.RemoteAddr = bp.dst.Addr + uint64(off)
			wr.RKey = bp.dstMR.Tag()
		}
		sends[i] = wr
	}
	if err := bp.a.PostSend(sends...); err != nil {
		return err
	}

	got := 0
	for got < want {
		cs, err := b.wait(ctx, bp, want-got)
		if err != nil {
			return err
		}
		for i := range cs {
			if err := cs[i].Err(); err != nil {
				return err
			}
			if cs[i].Queue == queue.SendQueue {
				bp.messages++
				bp.bytes += uint64(size)
				b.messages.Inc(1)
				b.bytes.Inc(int64(size))
			}
		}
		got += len(cs)
	}

	for i := range cfg.depth {
		off := i * cfg.size
		if bp.dst.Buf[off] != bp.src.Buf[off] {
			return fmt.Errorf("slot %d holds %#x, sent %#x", i, bp.dst.Buf[off], bp.src.Buf[off])
		}
	}
	return nil
}

// wait returns at least one completion of bp, blocking the way the workload
// was configured to.
func (b *bench) wait(ctx context.Context, bp *benchPair, max int) ([]queue.Completion, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cs, err := bp.cq.Poll(max)
		if err != nil || len(cs) > 0 {
			return cs, err
		}

		if b.cfg.wait == waitPoll {
			runtime.Gosched()
			continue
		}

		// Arm, then look again: a completion written before the arm does not
		// raise an event.
		bp.cq.Arm(false)
		if cs, err = bp.cq.Poll(max); err != nil || len(cs) > 0 {
			return cs, err
		}
		if _, err := bp.epoll.Wait(eventWaitTimeout); err != nil {
			return nil, err
		}
	}
}

// Close destroys every object the workload created.
func (b *bench) Close(ctx context.Context) error {
	var errs []error
	dev := b.p.Device()
	for _, bp := range b.pairs {
		if bp.epoll != nil {
			errs = append(errs, bp.epoll.Close())
		}
		if bp.event != nil {
			errs = append(errs, bp.event.Close())
		}
		for _, qp := range []*verbs.QP{bp.a, bp.b} {
			if qp != nil {
				errs = append(errs, b.p.DestroyQP(ctx, qp))
			}
		}
		for _, s := range []*verbs.Stag{bp.srcMR, bp.dstMR} {
			if s != nil {
				errs = append(errs, b.p.DeregMR(ctx, s))
			}
		}
		for _, m := range []hw.DMA{bp.src, bp.dst} {
			if m.Buf != nil {
				errs = append(errs, dev.Mem.Free(m))
			}
		}
		if bp.cq != nil {
			errs = append(errs, b.p.DestroyCQ(ctx, bp.cq))
		}
	}
	b.pairs = nil
	return errors.Join(errs...)
}
