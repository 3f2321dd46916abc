package emu

import (
	"errors"
	"fmt"

	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/ring"
	"github.com/slackhq/rdmaring/wqe"
)

// Control command error codes reported by the device.
const (
	ErrMajorCommand = 0x8001

	ErrMinorBadAddress   = 0x01
	ErrMinorUnknownQP    = 0x02
	ErrMinorUnknownCQ    = 0x03
	ErrMinorExists       = 0x04
	ErrMinorBadStag      = 0x05
	ErrMinorBadSize      = 0x06
	ErrMinorUnsupported  = 0x07
	ErrMinorFlushRefused = 0x08
	ErrMinorBusy         = 0x09
)

type cmdError struct {
	minor uint16
	msg   string
}

func (e *cmdError) Error() string {
	return e.msg
}

func cmdErrorf(minor uint16, format string, args ...any) error {
	return &cmdError{minor: minor, msg: fmt.Sprintf(format, args...)}
}

type cqpState struct {
	buf      []byte
	size     uint32
	head     uint32
	polarity uint8
}

// createCQP reads the control ring host context at addr.
func (d *Device) createCQP(addr uint64) {
	d.regs[hw.RegCCQPStatus].Store(0)
	b, err := d.translate(addr, wqe.CQPContextSize)
	if err != nil {
		d.cqpCreateFailed(ErrMinorBadAddress, err)
		return
	}
	hc := wqe.DecodeCQPContext(b)
	if err := ring.CheckSize(hc.SQSize); err != nil {
		d.cqpCreateFailed(ErrMinorBadSize, err)
		return
	}
	if hc.Gen != d.attrs.Generation {
		d.cqpCreateFailed(ErrMinorUnsupported, fmt.Errorf("generation %s not supported", hc.Gen))
		return
	}
	buf, err := d.translate(hc.SQAddr, int(hc.SQSize)*wqe.CQPWQESize)
	if err != nil {
		d.cqpCreateFailed(ErrMinorBadAddress, err)
		return
	}

	d.cqp = &cqpState{buf: buf, size: hc.SQSize, polarity: 1}
	d.ccq = nil
	d.regs[hw.RegCQPTail].Store(0)
	d.regs[hw.RegCCQPStatus].Store(uint32(wqe.CCQPStatusDone.Prep(1)))
	d.l.WithField("size", hc.SQSize).Debug("Emulated control ring created")
}

func (d *Device) cqpCreateFailed(minor uint16, err error) {
	d.l.WithError(err).Warn("Emulated control ring creation failed")
	d.regs[hw.RegCQPErrCodes].Store(uint32(wqe.CQPErrMajor.Prep(ErrMajorCommand) | wqe.CQPErrMinor.Prep(uint64(minor))))
	d.regs[hw.RegCCQPStatus].Store(uint32(wqe.CCQPStatusError.Prep(1)))
}

// processCQP executes control commands up to the doorbell head.
func (d *Device) processCQP(head uint32) {
	c := d.cqp
	if c == nil {
		d.l.Warn("Control doorbell before the control ring was created")
		return
	}

	for c.head != head%c.size {
		idx := c.head
		q := c.buf[idx*wqe.CQPWQESize : (idx+1)*wqe.CQPWQESize]
		hdr := wqe.Header(q)
		if uint8(wqe.CQPWQEValid.Get(hdr)) != c.polarity {
			break
		}

		op := wqe.CQPOpcode(wqe.CQPOpcodeField.Get(hdr))
		var words [wqe.CQPWQESize / 8]uint64
		for i := range words {
			words[i] = wqe.Get64(q, i*8)
		}
		words[wqe.HeaderOffset/8] = hdr

		// Commands that create or destroy the control completion ring
		// complete through CQPTAIL only.
		ccq := d.ccq
		retVal, err := d.execute(op, &words)
		if d.ccq != ccq {
			ccq = nil
		}
		d.metrics.commands.Inc(1)

		c.head = (c.head + 1) % c.size
		if c.head == 0 {
			c.polarity ^= 1
		}
		d.completeCommand(ccq, op, idx, retVal, err)
	}
}

// completeCommand reports a finished command through CQPTAIL and, when ccq
// is set, the control completion ring.
func (d *Device) completeCommand(ccq *cqState, op wqe.CQPOpcode, idx uint32, retVal uint32, err error) {
	var minor uint16
	tail := wqe.CQPTailWQTail.Prep(uint64(d.cqp.head))
	if err != nil {
		minor = ErrMinorUnsupported
		var ce *cmdError
		if errors.As(err, &ce) {
			minor = ce.minor
		}
		d.l.WithError(err).WithField("op", op).WithField("index", idx).Debug("Emulated control command failed")
		d.regs[hw.RegCQPErrCodes].Store(uint32(wqe.CQPErrMajor.Prep(ErrMajorCommand) | wqe.CQPErrMinor.Prep(uint64(minor))))
		tail |= wqe.CQPTailOpErr.Prep(1)
	}

	if ccq != nil {
		e := wqe.CQE{
			WQEIdx:  idx,
			Error:   err != nil,
			Major:   0,
			Minor:   minor,
			InvStag: retVal,
		}
		if err != nil {
			e.Major = ErrMajorCommand
		}
		if werr := ccq.write(d, e); werr != nil {
			d.l.WithError(werr).Error("Failed to write control completion")
		}
	}
	d.regs[hw.RegCQPTail].Store(uint32(tail))
}

// execute runs one command. Must be called with d.mu held.
func (d *Device) execute(op wqe.CQPOpcode, w *[wqe.CQPWQESize / 8]uint64) (uint32, error) {
	hdr := w[wqe.HeaderOffset/8]
	switch op {
	case wqe.CQPOpNOP:
		return 0, nil
	case wqe.CQPOpCreateQP:
		return 0, d.createQP(uint32(wqe.CQPQPID.Get(hdr)), uint8(wqe.CQPQPType.Get(hdr)), w[2], w[5])
	case wqe.CQPOpModifyQP:
		return 0, d.modifyQP(uint32(wqe.CQPQPID.Get(hdr)), uint8(wqe.CQPQPNextState.Get(hdr)), w[2])
	case wqe.CQPOpDestroyQP:
		return 0, d.destroyQP(uint32(wqe.CQPQPID.Get(hdr)))
	case wqe.CQPOpCreateCQ:
		return 0, d.createCQ(w)
	case wqe.CQPOpModifyCQ:
		return 0, d.resizeCQ(w)
	case wqe.CQPOpDestroyCQ:
		return 0, d.destroyCQ(uint32(wqe.CQPCQID.Get(hdr)), wqe.CQPCQIsCCQ.IsSet(hdr))
	case wqe.CQPOpAllocStag:
		return 0, d.allocStag(w)
	case wqe.CQPOpRegMR:
		return 0, d.regMR(w)
	case wqe.CQPOpDeallocStag:
		return 0, d.deallocStag(uint32(wqe.CQPStagIdx.Get(w[1])))
	case wqe.CQPOpFlushWQEs:
		return 0, d.flushWQEs(w)
	case wqe.CQPOpManagePushPage:
		return 0, d.managePushPage(uint16(wqe.CQPPushPageIdx.Get(hdr)), w[0], wqe.CQPPushPageFree.IsSet(hdr))
	}
	return 0, cmdErrorf(ErrMinorUnsupported, "unsupported control command %s", op)
}

func (d *Device) managePushPage(idx uint16, addr uint64, free bool) error {
	if free {
		if _, ok := d.pushPages[idx]; !ok {
			return cmdErrorf(ErrMinorExists, "push page %d is not mapped", idx)
		}
		delete(d.pushPages, idx)
		return nil
	}
	if int(idx) >= int(d.attrs.MaxPushPages) {
		return cmdErrorf(ErrMinorBadSize, "push page index %d out of range", idx)
	}
	if _, ok := d.pushPages[idx]; ok {
		return cmdErrorf(ErrMinorExists, "push page %d is already mapped", idx)
	}
	if _, err := d.translate(addr, 2*int(d.attrs.MaxSQChunk)*wqe.QuantumSize); err != nil {
		return cmdErrorf(ErrMinorBadAddress, "push page: %v", err)
	}
	d.pushPages[idx] = addr
	return nil
}
