package emu

import (
	"errors"
	"fmt"

	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/wqe"
)

var errCQOverflow = errors.New("completion queue overflow")

// cqState is the producer side of a completion ring.
type cqState struct {
	id       uint32
	buf      []byte
	shadow   []byte
	size     uint32
	head     uint32
	polarity uint8
	stride   int

	extended         bool
	avoidMemConflict bool
	checkOverflow    bool
	ccq              bool
	context          uint64

	armed      bool
	armSE      bool
	armSeq     uint64
	overflowed bool
}

func (d *Device) createCQ(w *[wqe.CQPWQESize / 8]uint64) error {
	hdr := w[wqe.HeaderOffset/8]
	id := uint32(wqe.CQPCQID.Get(hdr))
	isCCQ := wqe.CQPCQIsCCQ.IsSet(hdr)
	if _, ok := d.cqs[id]; ok && !isCCQ {
		return cmdErrorf(ErrMinorExists, "completion queue %d exists", id)
	}
	if isCCQ && d.ccq != nil {
		return cmdErrorf(ErrMinorExists, "control completion ring exists")
	}
	if !isCCQ && uint32(len(d.cqs)) >= d.attrs.MaxCQs {
		return cmdErrorf(ErrMinorBusy, "too many completion queues")
	}

	cq := &cqState{
		id:               id,
		extended:         wqe.CQPCQExtendedCQE.IsSet(hdr),
		avoidMemConflict: wqe.CQPCQAvoidMemConflict.IsSet(hdr),
		checkOverflow:    wqe.CQPCQCheckOverflow.IsSet(hdr),
		ccq:              isCCQ,
		context:          w[1],
	}
	if cq.extended && !d.features.Has(hw.FeatureExtendedCQE) {
		return cmdErrorf(ErrMinorUnsupported, "extended completions not supported")
	}
	if cq.avoidMemConflict && !d.features.Has(hw.FeatureAvoidMemConflict) {
		return cmdErrorf(ErrMinorUnsupported, "avoid memory conflict mode not supported")
	}
	if err := cq.setRing(d, uint32(w[0]), w[4]); err != nil {
		return err
	}
	shadow, err := d.translate(w[5], wqe.ShadowAreaSize)
	if err != nil {
		return cmdErrorf(ErrMinorBadAddress, "completion queue shadow: %v", err)
	}
	cq.shadow = shadow

	if isCCQ {
		d.ccq = cq
	} else {
		d.cqs[id] = cq
	}
	return nil
}

// setRing points the producer at the start of a new ring.
func (cq *cqState) setRing(d *Device, size uint32, addr uint64) error {
	if size < d.attrs.MinCQSize || size > d.attrs.MaxCQSize {
		return cmdErrorf(ErrMinorBadSize, "completion queue size %d", size)
	}
	stride := wqe.CQESize
	if cq.avoidMemConflict {
		stride *= 2
	}
	buf, err := d.translate(addr, int(size)*stride)
	if err != nil {
		return cmdErrorf(ErrMinorBadAddress, "completion ring: %v", err)
	}
	cq.buf = buf
	cq.size = size
	cq.stride = stride
	cq.head = 0
	cq.polarity = 1
	return nil
}

func (d *Device) resizeCQ(w *[wqe.CQPWQESize / 8]uint64) error {
	hdr := w[wqe.HeaderOffset/8]
	if !wqe.CQPCQResize.IsSet(hdr) {
		return cmdErrorf(ErrMinorUnsupported, "modify completion queue without resize")
	}
	id := uint32(wqe.CQPCQID.Get(hdr))
	cq, ok := d.cqs[id]
	if !ok {
		return cmdErrorf(ErrMinorUnknownCQ, "completion queue %d does not exist", id)
	}
	return cq.setRing(d, uint32(w[0]), w[4])
}

func (d *Device) destroyCQ(id uint32, isCCQ bool) error {
	if isCCQ {
		if d.ccq == nil {
			return cmdErrorf(ErrMinorUnknownCQ, "control completion ring does not exist")
		}
		d.ccq = nil
		return nil
	}
	if _, ok := d.cqs[id]; !ok {
		return cmdErrorf(ErrMinorUnknownCQ, "completion queue %d does not exist", id)
	}
	for _, qp := range d.qps {
		if qp.ctx.SendCQ == id || qp.ctx.RecvCQ == id {
			return cmdErrorf(ErrMinorBusy, "completion queue %d is used by queue pair %d", id, qp.id)
		}
	}
	delete(d.cqs, id)
	return nil
}

// free returns the number of entries the producer may still write. The
// consumer head is read from the shadow area.
func (cq *cqState) free() uint32 {
	swHead := uint32(wqe.Load64(cq.shadow, wqe.CQShadowHeadOffset)) % cq.size
	used := (cq.head + cq.size - swHead) % cq.size
	return cq.size - 1 - used
}

// write produces one completion, or two slots for an extended entry outside
// avoid memory conflict mode. Must be called with d.mu held.
func (cq *cqState) write(d *Device, e wqe.CQE) error {
	if cq.overflowed {
		return errCQOverflow
	}
	e.Extended = cq.extended && (e.ImmValid || e.Extended)
	if !cq.extended {
		e.ImmValid = false
	}
	slots := uint32(1)
	if e.Extended && !cq.avoidMemConflict {
		slots = 2
	}
	if cq.checkOverflow && cq.free() < slots {
		cq.overflowed = true
		d.metrics.overflows.Inc(1)
		d.l.WithField("cq", cq.id).Error("Emulated completion queue overflow")
		return fmt.Errorf("%w: cq %d", errCQOverflow, cq.id)
	}

	q := cq.buf[int(cq.head)*cq.stride:][:cq.stride]
	if e.Extended {
		var ext []byte
		pol := cq.polarity
		if cq.avoidMemConflict {
			ext = q[wqe.CQESize:]
		} else {
			next := (cq.head + 1) % cq.size
			ext = cq.buf[int(next)*cq.stride:][:cq.stride]
			if next == 0 {
				pol ^= 1
			}
		}
		wqe.Set64(ext, 0, wqe.CQImmData.Prep(uint64(e.Imm)))
		wqe.Set64(ext, 8, 0)
		wqe.Set64(ext, 16, 0)
		wqe.Store64(ext, wqe.HeaderOffset, wqe.CQImmValid.Prep(wqe.Flag(e.ImmValid))|wqe.CQValid.Prep(uint64(pol)))
	}
	e.Encode(q, nil, cq.polarity)

	for range slots {
		cq.head = (cq.head + 1) % cq.size
		if cq.head == 0 {
			cq.polarity ^= 1
		}
	}
	d.metrics.cqes.Inc(1)

	if cq.armed && (!cq.armSE || e.SOEvent || e.Error) {
		cq.armed = false
		if d.onArm != nil {
			d.onArm(cq.id)
		}
	}
	return nil
}

// arm reads the arm request from the shadow area of completion queue id.
func (d *Device) arm(id uint32) {
	cq, ok := d.cqs[id]
	if !ok {
		d.l.WithField("cq", id).Warn("Arm doorbell for an unknown completion queue")
		return
	}
	v := wqe.Load64(cq.shadow, wqe.CQShadowArmOffset)
	seq := wqe.CQShadowArmSeqNum.Get(v)
	if cq.armed && seq == cq.armSeq {
		return
	}
	cq.armSeq = seq
	cq.armed = wqe.CQShadowArmNext.IsSet(v) || wqe.CQShadowArmNextSE.IsSet(v)
	cq.armSE = !wqe.CQShadowArmNext.IsSet(v)

	// Entries the consumer has not seen yet fire the notification at once.
	if cq.armed {
		swHead := uint32(wqe.Load64(cq.shadow, wqe.CQShadowHeadOffset)) % cq.size
		if swHead != cq.head && !cq.armSE {
			cq.armed = false
			if d.onArm != nil {
				d.onArm(cq.id)
			}
		}
	}
}
