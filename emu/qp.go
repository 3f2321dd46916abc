package emu

import (
	"errors"
	"fmt"

	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/ring"
	"github.com/slackhq/rdmaring/wqe"
)

// Queue pair states, matching the control command encoding.
const (
	stateReset = iota
	stateInit
	stateRTR
	stateRTS
	stateError
)

const qpTypeUD = 2

// qpState is the device side of a queue pair.
type qpState struct {
	id     uint32
	typ    uint8
	state  uint8
	ctx    wqe.QPContext
	sq     []byte
	rq     []byte
	rqSize uint32
	shadow []byte
	push   []byte

	sqHead uint32
	sqPol  uint8
	rqHead uint32
	rqPol  uint8

	inError bool
	// unreported is set while executed descriptors wait for a signaled
	// completion to retire them.
	unreported      bool
	pushDropPending bool
	sqFlushed       bool
	rqFlushed       bool
}

func (d *Device) createQP(id uint32, typ uint8, ctxAddr, shadowAddr uint64) error {
	if _, ok := d.qps[id]; ok {
		return cmdErrorf(ErrMinorExists, "queue pair %d exists", id)
	}
	if uint32(len(d.qps)) >= d.attrs.MaxQPs {
		return cmdErrorf(ErrMinorBusy, "too many queue pairs")
	}
	qp := &qpState{id: id, typ: typ}
	if err := d.loadContext(qp, ctxAddr); err != nil {
		return err
	}
	shadow, err := d.translate(shadowAddr, wqe.ShadowAreaSize)
	if err != nil {
		return cmdErrorf(ErrMinorBadAddress, "queue pair shadow: %v", err)
	}
	qp.shadow = shadow
	qp.reset()
	d.qps[id] = qp
	return nil
}

// loadContext reads and validates the host context of qp.
func (d *Device) loadContext(qp *qpState, addr uint64) error {
	b, err := d.translate(addr, wqe.QPContextSize)
	if err != nil {
		return cmdErrorf(ErrMinorBadAddress, "queue pair context: %v", err)
	}
	c := wqe.DecodeQPContext(b)
	if c.Gen != d.attrs.Generation {
		return cmdErrorf(ErrMinorUnsupported, "queue pair generation %s", c.Gen)
	}
	if err := ring.CheckSize(c.SQSize); err != nil {
		return cmdErrorf(ErrMinorBadSize, "send queue: %v", err)
	}
	if err := ring.CheckSize(c.RQSize); err != nil {
		return cmdErrorf(ErrMinorBadSize, "receive queue: %v", err)
	}
	if c.RelaxedRQ && !d.features.Has(hw.FeatureRelaxRQOrder) {
		return cmdErrorf(ErrMinorUnsupported, "relaxed receive ordering not supported")
	}
	if _, ok := d.cqs[c.SendCQ]; !ok {
		return cmdErrorf(ErrMinorUnknownCQ, "send completion queue %d does not exist", c.SendCQ)
	}
	if _, ok := d.cqs[c.RecvCQ]; !ok {
		return cmdErrorf(ErrMinorUnknownCQ, "receive completion queue %d does not exist", c.RecvCQ)
	}

	sq, err := d.translate(c.SQAddr, int(c.SQSize)*wqe.QuantumSize)
	if err != nil {
		return cmdErrorf(ErrMinorBadAddress, "send queue: %v", err)
	}
	rq, err := d.translate(c.RQAddr, int(c.RQSize<<c.RQShift)*wqe.QuantumSize)
	if err != nil {
		return cmdErrorf(ErrMinorBadAddress, "receive queue: %v", err)
	}
	var push []byte
	if c.PushValid {
		addr, ok := d.pushPages[c.PushIdx]
		if !ok {
			return cmdErrorf(ErrMinorBadAddress, "push page %d is not mapped", c.PushIdx)
		}
		if push, err = d.translate(addr, 2*int(d.attrs.MaxSQChunk)*wqe.QuantumSize); err != nil {
			return cmdErrorf(ErrMinorBadAddress, "push page: %v", err)
		}
	}

	qp.ctx = c
	qp.sq = sq
	qp.rq = rq
	qp.rqSize = c.RQSize
	qp.push = push
	return nil
}

func (qp *qpState) reset() {
	qp.state = stateReset
	qp.sqHead, qp.rqHead = 0, 0
	// Software writes the first lap with polarity 1.
	qp.sqPol, qp.rqPol = 1, 1
	qp.inError = false
	qp.unreported = false
	qp.pushDropPending = false
	qp.sqFlushed, qp.rqFlushed = false, false
	wqe.Store64(qp.shadow, 0, 0)
}

func (d *Device) modifyQP(id uint32, state uint8, ctxAddr uint64) error {
	qp, ok := d.qps[id]
	if !ok {
		return cmdErrorf(ErrMinorUnknownQP, "queue pair %d does not exist", id)
	}
	if ctxAddr != 0 {
		if err := d.loadContext(qp, ctxAddr); err != nil {
			return err
		}
	}
	switch state {
	case stateReset:
		qp.reset()
	case stateInit, stateRTR, stateRTS:
		if qp.inError {
			return cmdErrorf(ErrMinorBusy, "queue pair %d is in error", id)
		}
		qp.state = state
		if state == stateRTS {
			// Descriptors posted before the transition were not executed.
			d.ringSQ(id, false)
		}
	case stateError:
		qp.state = stateError
		qp.inError = true
	default:
		return cmdErrorf(ErrMinorUnsupported, "queue pair state %d", state)
	}
	return nil
}

func (d *Device) destroyQP(id uint32) error {
	if _, ok := d.qps[id]; !ok {
		return cmdErrorf(ErrMinorUnknownQP, "queue pair %d does not exist", id)
	}
	delete(d.qps, id)
	return nil
}

func (qp *qpState) sqSlot(idx uint32, quanta uint16) []byte {
	return qp.sq[idx*wqe.QuantumSize : (idx+uint32(quanta))*wqe.QuantumSize]
}

func (qp *qpState) rqSlot(idx uint32) []byte {
	size := uint32(wqe.QuantumSize) << qp.ctx.RQShift
	return qp.rq[idx*size : (idx+1)*size]
}

// sqPending reports whether a valid descriptor waits at the send queue head.
func (qp *qpState) sqPending() bool {
	hdr := wqe.Header(qp.sqSlot(qp.sqHead, 1))
	return uint8(wqe.Valid.Get(hdr)) == qp.sqPol
}

// rqPending reports whether a posted receive descriptor waits at the
// receive queue head.
func (qp *qpState) rqPending() bool {
	hdr := wqe.Header(qp.rqSlot(qp.rqHead))
	return uint8(wqe.Valid.Get(hdr)) == qp.rqPol
}

// ringSQ executes the send descriptors of queue pair id until it reaches a
// slot software has not written yet. Must be called with d.mu held.
func (d *Device) ringSQ(id uint32, push bool) {
	qp, ok := d.qps[id]
	if !ok {
		d.l.WithField("qp", id).Warn("Send doorbell for an unknown queue pair")
		return
	}
	if push {
		if d.dropPush > 0 {
			d.dropPush--
			qp.pushDropPending = true
			push = false
		} else if qp.push == nil {
			d.l.WithField("qp", id).Warn("Push doorbell without a push page")
			push = false
		}
	}
	if qp.inError || qp.state != stateRTS {
		return
	}

	for qp.sqPending() {
		idx := qp.sqHead
		hdr := wqe.Header(qp.sqSlot(idx, 1))
		quanta := wqe.DescriptorQuanta(d.ops, hdr)
		if idx+uint32(quanta) > qp.ctx.SQSize {
			d.fail(qp, wqe.FlushLocQPOpErr)
			return
		}

		q := qp.sqSlot(idx, quanta)
		if push {
			// Only the first descriptor after a push doorbell comes from the
			// push page.
			push = false
			off := (idx & 7) * wqe.QuantumSize
			p := qp.push[off : off+uint32(quanta)*wqe.QuantumSize]
			if wqe.Header(p) == hdr {
				q = p
				d.metrics.pushes.Inc(1)
			}
		}

		sh := wqe.DecodeSendHeader(hdr)
		n, minor, err := d.executeSend(qp, q, sh)
		if err != nil {
			d.l.WithError(err).
				WithField("qp", qp.id).
				WithField("index", idx).
				WithField("op", sh.Opcode).
				Debug("Emulated send failed")
			d.fail(qp, minor)
			return
		}
		d.metrics.sqWQEs.Inc(1)
		if n > 0 {
			d.metrics.bytes.Inc(int64(n))
			d.metrics.payloadSize.Update(int64(n))
		}

		qp.sqHead += uint32(quanta)
		if qp.sqHead == qp.ctx.SQSize {
			qp.sqHead = 0
			qp.sqPol ^= 1
		}
		wqe.Store64(qp.shadow, 0, wqe.QPShadowHWSQTail.Prep(uint64(qp.sqHead)))

		if !sh.Signaled {
			qp.unreported = true
			continue
		}
		e := wqe.CQE{
			SQ:          true,
			WQEIdx:      idx,
			Op:          sh.Opcode,
			PushDropped: qp.pushDropPending,
			Context:     qp.ctx.CompletionContext,
			QPID:        qp.id,
		}
		if err := d.cqs[qp.ctx.SendCQ].write(d, e); err != nil {
			d.l.WithError(err).WithField("qp", qp.id).Error("Failed to write send completion")
			d.fail(qp, wqe.FlushFatalErr)
			return
		}
		qp.pushDropPending = false
		qp.unreported = false
	}
}

// executeSend runs one send descriptor. On failure it returns the minor
// code of the flush the queue pair goes into error with.
func (d *Device) executeSend(qp *qpState, q []byte, sh wqe.SendHeader) (int, wqe.MinorErr, error) {
	switch sh.Opcode {
	case wqe.OpNOP:
		return 0, 0, nil
	case wqe.OpWrite:
		return d.rdmaWrite(qp, q, sh)
	case wqe.OpRead:
		return d.rdmaRead(qp, q, sh)
	case wqe.OpSend, wqe.OpSendInv, wqe.OpSendSol, wqe.OpSendSolInv:
		return d.send(qp, q, sh)
	case wqe.OpBindMW:
		err := d.bind(d.ops.BindWindow(q), sh.StagRights, !sh.VABasedTO)
		return 0, accessMinor(err), err
	case wqe.OpLocalInv:
		err := d.invalidate(uint32(wqe.SQLocStag.Get(wqe.Get64(q, 8))))
		return 0, accessMinor(err), err
	case wqe.OpFastRegister:
		// The key and index fields together hold the steering tag.
		key := sh.RemStag
		addr := wqe.SQPBLAddr.Get(wqe.Get64(q, 8)) << wqe.PBLAddrShift
		length := wqe.SQFastRegLen.Get(wqe.Get64(q, 16))
		err := d.fastRegister(key, wqe.Get64(q, 0), length, addr, sh.StagRights, !sh.VABasedTO)
		return 0, accessMinor(err), err
	}
	return 0, wqe.FlushLocQPOpErr, fmt.Errorf("unsupported send opcode %s", sh.Opcode)
}

func accessMinor(err error) wqe.MinorErr {
	var ae *accessError
	if errors.As(err, &ae) {
		return ae.minor()
	}
	return wqe.FlushGeneralErr
}

// fragments decodes the scatter/gather list of a send or receive
// descriptor. Zero length entries are dropped.
func (d *Device) fragments(q []byte, hdr uint64, imm bool) []wqe.SGE {
	n := int(wqe.SQAddFragCnt.Get(hdr)) + 1
	first := 0
	if imm {
		first = 1
	}
	sgl := make([]wqe.SGE, 0, n)
	for i := first; i < n; i++ {
		s := d.ops.Fragment(q, wqe.FragmentOffset(i))
		if s.Len != 0 {
			sgl = append(sgl, s)
		}
	}
	return sgl
}

// gather reads the local payload of a write or send.
func (d *Device) gather(q []byte, sh wqe.SendHeader) ([]byte, error) {
	if sh.Inline {
		return d.ops.Inline(q, uint32(sh.InlineLen)), nil
	}
	var out []byte
	for _, s := range d.fragments(q, wqe.Header(q), sh.Imm) {
		b, err := d.access(s.LKey, s.Addr, int(s.Len), 0, false)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// scatter copies data into sgl. It returns false when the list is too short.
func (d *Device) scatter(sgl []wqe.SGE, data []byte, remote bool) (bool, error) {
	for _, s := range sgl {
		if len(data) == 0 {
			break
		}
		n := min(int(s.Len), len(data))
		b, err := d.access(s.LKey, s.Addr, n, accessLocalWrite, remote)
		if err != nil {
			return false, err
		}
		copy(b, data[:n])
		data = data[n:]
	}
	return len(data) == 0, nil
}

func (d *Device) rdmaWrite(qp *qpState, q []byte, sh wqe.SendHeader) (int, wqe.MinorErr, error) {
	data, err := d.gather(q, sh)
	if err != nil {
		return 0, accessMinor(err), err
	}
	dst, err := d.access(sh.RemStag, wqe.Get64(q, 16), len(data), accessRemoteWrite, true)
	if err != nil {
		return 0, accessMinor(err), err
	}
	copy(dst, data)

	if sh.Imm {
		peer, minor, err := d.peer(qp, q)
		if err != nil {
			return 0, minor, err
		}
		e := wqe.CQE{
			Op:         wqe.OpRecvImm,
			PayloadLen: uint32(len(data)),
			ImmValid:   true,
			Imm:        uint32(wqe.Get64(q, 0)),
		}
		if minor, err := d.consumeRecv(peer, nil, e); err != nil {
			return 0, minor, err
		}
	}
	return len(data), 0, nil
}

func (d *Device) rdmaRead(qp *qpState, q []byte, sh wqe.SendHeader) (int, wqe.MinorErr, error) {
	sgl := d.fragments(q, wqe.Header(q), false)
	var total int
	for _, s := range sgl {
		total += int(s.Len)
	}
	src, err := d.access(sh.RemStag, wqe.Get64(q, 16), total, accessRemoteRead, true)
	if err != nil {
		return 0, accessMinor(err), err
	}
	if _, err := d.scatter(sgl, src, false); err != nil {
		return 0, accessMinor(err), err
	}
	return total, 0, nil
}

func (d *Device) send(qp *qpState, q []byte, sh wqe.SendHeader) (int, wqe.MinorErr, error) {
	data, err := d.gather(q, sh)
	if err != nil {
		return 0, accessMinor(err), err
	}
	peer, minor, err := d.peer(qp, q)
	if err != nil {
		return 0, minor, err
	}

	e := wqe.CQE{
		Op:         wqe.OpRecv,
		PayloadLen: uint32(len(data)),
		SOEvent:    sh.Opcode == wqe.OpSendSol || sh.Opcode == wqe.OpSendSolInv,
	}
	if sh.Imm {
		e.Op = wqe.OpRecvImm
		e.ImmValid = true
		e.Imm = uint32(wqe.Get64(q, 0))
	}
	if !peer.rqPending() {
		return 0, wqe.FlushRetryExcErr, fmt.Errorf("queue pair %d has no receive posted", peer.id)
	}
	if sh.Opcode == wqe.OpSendInv || sh.Opcode == wqe.OpSendSolInv {
		if err := d.invalidate(sh.RemStag); err != nil {
			return 0, wqe.FlushRemInvReqErr, err
		}
		e.StagValid = true
		e.InvStag = sh.RemStag
	}
	if minor, err := d.consumeRecv(peer, data, e); err != nil {
		return 0, minor, err
	}
	return len(data), 0, nil
}

// peer resolves the destination of a send. Connected queue pairs use the
// context, unconnected ones the descriptor.
func (d *Device) peer(qp *qpState, q []byte) (*qpState, wqe.MinorErr, error) {
	dest := qp.ctx.DestQP
	ok := qp.ctx.DestValid
	if qp.typ == qpTypeUD {
		dest = uint32(wqe.SQDestQPN.Get(wqe.Get64(q, 16)))
		ok = true
	}
	if !ok {
		return nil, wqe.FlushLocQPOpErr, fmt.Errorf("queue pair %d is not connected", qp.id)
	}
	peer, ok := d.qps[dest]
	if !ok || peer.inError || (peer.state != stateRTR && peer.state != stateRTS) {
		return nil, wqe.FlushRetryExcErr, fmt.Errorf("queue pair %d is not ready to receive", dest)
	}
	return peer, 0, nil
}

// consumeRecv places data in the next receive descriptor of peer and
// completes it with e. It fails when no receive descriptor is posted.
func (d *Device) consumeRecv(peer *qpState, data []byte, e wqe.CQE) (wqe.MinorErr, error) {
	if !peer.rqPending() {
		return wqe.FlushRetryExcErr, fmt.Errorf("queue pair %d has no receive posted", peer.id)
	}
	idx := peer.rqHead
	q := peer.rqSlot(idx)
	ok, err := d.scatter(d.fragments(q, wqe.Header(q), false), data, false)
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("%d bytes do not fit receive %d of queue pair %d", len(data), idx, peer.id)
		}
		d.fail(peer, wqe.FlushLocLenErr)
		return wqe.FlushRemOpErr, err
	}

	peer.rqHead = (peer.rqHead + 1) % peer.rqSize
	if peer.rqHead == 0 {
		peer.rqPol ^= 1
	}
	d.metrics.rqWQEs.Inc(1)

	e.WQEIdx = idx
	e.Context = peer.ctx.CompletionContext
	e.QPID = peer.id
	if err := d.cqs[peer.ctx.RecvCQ].write(d, e); err != nil {
		d.fail(peer, wqe.FlushFatalErr)
		return wqe.FlushRemOpErr, err
	}
	return 0, nil
}

// fail moves qp into the error state. Unless hardware flush is disabled the
// device reports the outstanding work of each queue with one flush
// completion; software replays it for the rest.
func (d *Device) fail(qp *qpState, minor wqe.MinorErr) {
	if qp.inError {
		return
	}
	qp.inError = true
	qp.state = stateError
	d.metrics.qpErrors.Inc(1)
	d.l.WithField("qp", qp.id).WithField("minor", minor).Debug("Emulated queue pair moved to error")

	if d.noHWFlush.Load() {
		return
	}
	d.flushSQ(qp, wqe.FlushMajorErr, uint16(minor))
	d.flushRQ(qp, wqe.FlushMajorErr, uint16(wqe.FlushGeneralErr))
}

func (d *Device) flushSQ(qp *qpState, major, minor uint16) {
	if qp.sqFlushed || !(qp.unreported || qp.sqPending()) {
		return
	}
	qp.sqFlushed = true
	e := wqe.CQE{
		SQ:      true,
		Error:   true,
		Major:   major,
		Minor:   minor,
		WQEIdx:  qp.sqHead,
		Context: qp.ctx.CompletionContext,
		QPID:    qp.id,
	}
	if err := d.cqs[qp.ctx.SendCQ].write(d, e); err != nil {
		d.l.WithError(err).WithField("qp", qp.id).Error("Failed to write send flush completion")
	}
}

func (d *Device) flushRQ(qp *qpState, major, minor uint16) {
	if qp.rqFlushed || !qp.rqPending() {
		return
	}
	qp.rqFlushed = true
	e := wqe.CQE{
		Error:   true,
		Major:   major,
		Minor:   minor,
		WQEIdx:  qp.rqHead,
		Op:      wqe.OpRecv,
		Context: qp.ctx.CompletionContext,
		QPID:    qp.id,
	}
	if err := d.cqs[qp.ctx.RecvCQ].write(d, e); err != nil {
		d.l.WithError(err).WithField("qp", qp.id).Error("Failed to write receive flush completion")
	}
}

// flushWQEs executes the flush command. The queue pair must already be in
// error.
func (d *Device) flushWQEs(w *[wqe.CQPWQESize / 8]uint64) error {
	if d.noHWFlush.Load() {
		return cmdErrorf(ErrMinorFlushRefused, "hardware flush disabled")
	}
	hdr := w[wqe.HeaderOffset/8]
	id := uint32(wqe.CQPQPID.Get(hdr))
	qp, ok := d.qps[id]
	if !ok {
		return cmdErrorf(ErrMinorUnknownQP, "queue pair %d does not exist", id)
	}
	if !qp.inError {
		qp.inError = true
		qp.state = stateError
		d.metrics.qpErrors.Inc(1)
	}

	sqMajor, sqMinor := uint16(wqe.FlushMajorErr), uint16(wqe.FlushGeneralErr)
	rqMajor, rqMinor := uint16(wqe.FlushMajorErr), uint16(wqe.FlushGeneralErr)
	if wqe.CQPFlushUserCode.IsSet(hdr) {
		sqMajor = uint16(wqe.CQPFlushSQMajErr.Get(w[1]))
		sqMinor = uint16(wqe.CQPFlushSQMinErr.Get(w[1]))
		rqMajor = uint16(wqe.CQPFlushRQMajErr.Get(w[1]))
		rqMinor = uint16(wqe.CQPFlushRQMinErr.Get(w[1]))
	}
	if wqe.CQPFlushSQ.IsSet(hdr) {
		d.flushSQ(qp, sqMajor, sqMinor)
	}
	if wqe.CQPFlushRQ.IsSet(hdr) {
		d.flushRQ(qp, rqMajor, rqMinor)
	}
	return nil
}
