package queue

import (
	"sync"
	"testing"

	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/test"
	"github.com/slackhq/rdmaring/wqe"
	"github.com/stretchr/testify/require"
)

type regWrite struct {
	reg hw.Register
	val uint32
}

// fakeRegs records register writes.
type fakeRegs struct {
	mu     sync.Mutex
	writes []regWrite
}

func (f *fakeRegs) Read32(hw.Register) uint32 { return 0 }

func (f *fakeRegs) Write32(r hw.Register, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, regWrite{r, v})
}

func (f *fakeRegs) count(r hw.Register) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		if w.reg == r {
			n++
		}
	}
	return n
}

func (f *fakeRegs) last(r hw.Register) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.writes) - 1; i >= 0; i-- {
		if f.writes[i].reg == r {
			return f.writes[i].val, true
		}
	}
	return 0, false
}

type fixtureOpts struct {
	gen       wqe.Generation
	features  hw.Feature
	sqDepth   uint32
	sqReserve uint32
	rqDepth   uint32
	rqShift   uint8
	cqSize    uint32
	relaxed   bool
	push      bool
	extended  bool
	amc       bool
}

// fixture is a queue pair whose send and receive queues complete on one
// completion queue. The test plays the device by writing completions with
// writeCQE.
type fixture struct {
	t      *testing.T
	dev    *hw.Device
	mem    *hw.HeapAllocator
	regs   *fakeRegs
	owners *Registry
	qp     *QP
	cq     *CQ

	qpShadow hw.DMA
	cqShadow hw.DMA
	cqRing   hw.DMA
	push     hw.DMA

	// Device side of the completion ring.
	cqHead uint32
	cqPol  uint8
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	if o.gen == 0 {
		o.gen = wqe.Gen2
	}
	if o.sqDepth == 0 {
		o.sqDepth = 32
	}
	if o.sqReserve == 0 {
		o.sqReserve = 1
	}
	if o.rqDepth == 0 {
		o.rqDepth = 8
	}
	if o.rqShift == 0 {
		o.rqShift = 2
	}
	if o.cqSize == 0 {
		o.cqSize = 64
	}

	attrs := hw.DefaultAttrs(o.gen)
	mem := hw.NewHeapAllocator()
	regs := &fakeRegs{}
	dev, err := hw.NewDevice(test.NewLogger(), attrs, o.features, regs, mem)
	require.NoError(t, err)

	f := &fixture{t: t, dev: dev, mem: mem, regs: regs, owners: NewRegistry(), cqPol: 1}
	f.cqRing = f.alloc(int(o.cqSize) * EntrySize(o.amc))
	f.cqShadow = f.alloc(wqe.ShadowAreaSize)
	f.cq, err = NewCQ(dev, f.owners, CQInit{
		ID:               3,
		Ring:             f.cqRing,
		Size:             o.cqSize,
		Shadow:           f.cqShadow,
		Extended:         o.extended,
		AvoidMemConflict: o.amc,
	})
	require.NoError(t, err)

	f.qpShadow = f.alloc(wqe.ShadowAreaSize)
	init := QPInit{
		ID:         7,
		SQ:         f.alloc(int(o.sqDepth) * wqe.QuantumSize),
		SQDepth:    o.sqDepth,
		SQReserve:  o.sqReserve,
		RQ:         f.alloc(int(o.rqDepth<<o.rqShift) * wqe.QuantumSize),
		RQDepth:    o.rqDepth,
		RQShift:    o.rqShift,
		Shadow:     f.qpShadow,
		MaxSQFrags: attrs.MaxSQFrags,
		MaxRQFrags: 3,
		MaxInline:  attrs.MaxInlineData,
		RelaxedRQ:  o.relaxed,
		SendCQ:     f.cq,
		RecvCQ:     f.cq,
	}
	if o.push {
		f.push = f.alloc(hw.PageSize)
		init.Push = f.push
	}
	f.qp, err = NewQP(dev, f.owners, init)
	require.NoError(t, err)
	return f
}

func (f *fixture) alloc(n int) hw.DMA {
	d, err := f.mem.Alloc(n)
	require.NoError(f.t, err)
	return d
}

// setHWTail plays the device reporting how far it fetched the send queue.
func (f *fixture) setHWTail(tail uint32) {
	wqe.Store64(f.qpShadow.Buf, 0, wqe.QPShadowHWSQTail.Prep(uint64(tail)))
}

// writeCQE plays the device writing a completion for the fixture queue pair.
func (f *fixture) writeCQE(e wqe.CQE) {
	if e.Context == 0 {
		e.Context = uint64(f.qp.Handle())
	}
	e.QPID = f.qp.ID()
	stride := EntrySize(f.cq.avoidMemConflict)
	size := f.cq.cur.ring.Size()
	q := f.cq.cur.dma.Buf[int(f.cqHead)*stride:]

	if e.Extended {
		var ext []byte
		extPol := f.cqPol
		if f.cq.avoidMemConflict {
			ext = q[wqe.CQESize:]
		} else {
			next := (f.cqHead + 1) % size
			ext = f.cq.cur.dma.Buf[int(next)*stride:]
			if next == 0 {
				extPol ^= 1
			}
		}
		wqe.Set64(ext, 0, wqe.CQImmData.Prep(uint64(e.Imm)))
		wqe.Store64(ext, wqe.HeaderOffset, wqe.CQImmValid.Prep(wqe.Flag(e.ImmValid))|wqe.CQValid.Prep(uint64(extPol)))
	}
	e.Encode(q, nil, f.cqPol)

	steps := 1
	if e.Extended && !f.cq.avoidMemConflict {
		steps = 2
	}
	for range steps {
		f.cqHead = (f.cqHead + 1) % size
		if f.cqHead == 0 {
			f.cqPol ^= 1
		}
	}
}

func (f *fixture) sendCQE(idx uint32) {
	f.writeCQE(wqe.CQE{SQ: true, WQEIdx: idx, Op: wqe.OpWrite})
}

func (f *fixture) recvCQE(idx uint32, n uint32) {
	f.writeCQE(wqe.CQE{WQEIdx: idx, Op: wqe.OpRecv, PayloadLen: n})
}

func (f *fixture) flushCQE(sq bool, minor wqe.MinorErr) {
	f.writeCQE(wqe.CQE{SQ: sq, Error: true, Major: wqe.FlushMajorErr, Minor: uint16(minor)})
}

// pollAll polls until the completion queue is empty.
func (f *fixture) pollAll() []Completion {
	f.t.Helper()
	var out []Completion
	for range 1000 {
		c, err := f.cq.Poll(16)
		require.NoError(f.t, err)
		if len(c) == 0 {
			return out
		}
		out = append(out, c...)
	}
	f.t.Fatal("completion queue never drained")
	return nil
}

func wrids(cs []Completion) []uint64 {
	out := make([]uint64, len(cs))
	for i := range cs {
		out[i] = cs[i].WRID
	}
	return out
}

func write(id uint64, frags int) SendWR {
	wr := SendWR{ID: id, Op: wqe.OpWrite, Signaled: true, RemoteAddr: 0x9000, RKey: 0x55}
	for i := range frags {
		wr.SGL = append(wr.SGL, SGE{Addr: uint64(0x1000 * (i + 1)), Len: 100, LKey: 0x11})
	}
	return wr
}

func recv(id uint64) RecvWR {
	return RecvWR{ID: id, SGL: []SGE{{Addr: 0x4000, Len: 256, LKey: 0x22}}}
}
