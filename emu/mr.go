package emu

import (
	"fmt"

	"github.com/slackhq/rdmaring/wqe"
)

// Access rights carried in registration commands and bind descriptors.
const (
	accessLocalWrite  = 1 << 0
	accessRemoteRead  = 1 << 1
	accessRemoteWrite = 1 << 2
	accessBind        = 1 << 3
)

// stag is a memory region or window registration.
type stag struct {
	index  uint32
	key    uint8
	pd     uint32
	mr     bool
	valid  bool
	va     uint64
	length uint64
	addr   uint64
	rights uint8
	// zeroBased registrations are addressed by offset instead of virtual
	// address.
	zeroBased bool
	// windows counts memory windows bound to a region.
	windows int
	parent  uint32
}

// accessError is a failed registration check. remote selects the
// completion code.
type accessError struct {
	remote bool
	msg    string
}

func (e *accessError) Error() string {
	return e.msg
}

func (e *accessError) minor() wqe.MinorErr {
	if e.remote {
		return wqe.FlushRemAccessErr
	}
	return wqe.FlushProtErr
}

func (d *Device) allocStag(w *[wqe.CQPWQESize / 8]uint64) error {
	hdr := w[wqe.HeaderOffset/8]
	idx := uint32(wqe.CQPStagIdx.Get(w[1]))
	if _, ok := d.stags[idx]; ok {
		return cmdErrorf(ErrMinorExists, "steering tag index %#x in use", idx)
	}
	d.stags[idx] = &stag{
		index:  idx,
		key:    uint8(wqe.CQPStagKey.Get(w[1])),
		pd:     uint32(wqe.CQPStagPDID.Get(w[0])),
		mr:     wqe.CQPStagMR.IsSet(hdr),
		length: wqe.CQPStagLen.Get(w[0]),
		rights: uint8(wqe.CQPStagARights.Get(hdr)),
	}
	return nil
}

func (d *Device) regMR(w *[wqe.CQPWQESize / 8]uint64) error {
	hdr := w[wqe.HeaderOffset/8]
	idx := uint32(wqe.CQPStagIdx.Get(w[1]))
	if _, ok := d.stags[idx]; ok {
		return cmdErrorf(ErrMinorExists, "steering tag index %#x in use", idx)
	}
	s := &stag{
		index:     idx,
		key:       uint8(wqe.CQPStagKey.Get(w[1])),
		pd:        uint32(wqe.CQPStagPDID.Get(w[0])),
		mr:        true,
		valid:     true,
		va:        w[2],
		length:    wqe.CQPStagLen.Get(w[0]),
		addr:      w[4],
		rights:    uint8(wqe.CQPStagARights.Get(hdr)),
		zeroBased: !wqe.CQPStagVABasedTO.IsSet(hdr),
	}
	if _, err := d.translate(s.addr, int(s.length)); err != nil {
		return cmdErrorf(ErrMinorBadAddress, "register region: %v", err)
	}
	d.stags[idx] = s
	return nil
}

func (d *Device) deallocStag(idx uint32) error {
	s, ok := d.stags[idx]
	if !ok {
		return cmdErrorf(ErrMinorBadStag, "steering tag index %#x does not exist", idx)
	}
	if s.windows > 0 {
		return cmdErrorf(ErrMinorBusy, "steering tag index %#x has %d bound windows", idx, s.windows)
	}
	if !s.mr && s.valid {
		if p, ok := d.stags[s.parent]; ok {
			p.windows--
		}
	}
	delete(d.stags, idx)
	return nil
}

// lookup returns the registration for key, checking the key byte.
func (d *Device) lookup(key uint32) (*stag, bool) {
	s, ok := d.stags[key>>8]
	if !ok || s.key != uint8(key) || !s.valid {
		return nil, false
	}
	return s, true
}

// access resolves n bytes at va through the registration key and checks the
// rights. The zero key addresses memory directly.
func (d *Device) access(key uint32, va uint64, n int, rights uint8, remote bool) ([]byte, error) {
	if key == 0 && !remote {
		b, err := d.translate(va, n)
		if err != nil {
			return nil, &accessError{msg: err.Error()}
		}
		return b, nil
	}

	s, ok := d.lookup(key)
	if !ok {
		return nil, &accessError{remote: remote, msg: fmt.Sprintf("steering tag %#x is not valid", key)}
	}
	if rights != 0 && s.rights&rights != rights {
		return nil, &accessError{remote: remote, msg: fmt.Sprintf("steering tag %#x lacks rights %#x", key, rights)}
	}
	off := va
	if !s.zeroBased {
		if va < s.va {
			return nil, &accessError{remote: remote, msg: fmt.Sprintf("address %#x below steering tag %#x", va, key)}
		}
		off = va - s.va
	}
	if off+uint64(n) > s.length {
		return nil, &accessError{remote: remote, msg: fmt.Sprintf("access %#x+%d outside steering tag %#x", va, n, key)}
	}
	b, err := d.translate(s.addr+off, n)
	if err != nil {
		return nil, &accessError{remote: remote, msg: err.Error()}
	}
	return b, nil
}

// bind attaches a memory window to a region of the parent registration.
func (d *Device) bind(b wqe.BindWindow, rights uint8, zeroBased bool) error {
	mr, ok := d.lookup(b.MRStag)
	if !ok || !mr.mr {
		return &accessError{msg: fmt.Sprintf("bind parent %#x is not a valid region", b.MRStag)}
	}
	if mr.rights&accessBind == 0 {
		return &accessError{msg: fmt.Sprintf("region %#x does not allow binds", b.MRStag)}
	}
	if b.VA < mr.va || b.VA+b.Len > mr.va+mr.length {
		return &accessError{msg: fmt.Sprintf("window %#x+%d outside region %#x", b.VA, b.Len, b.MRStag)}
	}

	mw, ok := d.stags[b.MWStag>>8]
	if !ok || mw.mr {
		return &accessError{msg: fmt.Sprintf("steering tag %#x is not a window", b.MWStag)}
	}
	if mw.valid {
		if p, ok := d.stags[mw.parent]; ok {
			p.windows--
		}
	}
	mw.key = uint8(b.MWStag)
	mw.valid = true
	mw.va = b.VA
	mw.length = b.Len
	mw.addr = mr.addr + (b.VA - mr.va)
	mw.rights = rights
	mw.zeroBased = zeroBased
	mw.parent = mr.index
	mr.windows++
	return nil
}

// fastRegister validates a region allocated with AllocStag.
func (d *Device) fastRegister(key uint32, va, length, addr uint64, rights uint8, zeroBased bool) error {
	s, ok := d.stags[key>>8]
	if !ok || !s.mr {
		return &accessError{msg: fmt.Sprintf("steering tag %#x was not allocated", key)}
	}
	if s.valid {
		return &accessError{msg: fmt.Sprintf("steering tag %#x is already valid", key)}
	}
	if _, err := d.translate(addr, int(length)); err != nil {
		return &accessError{msg: err.Error()}
	}
	s.key = uint8(key)
	s.valid = true
	s.va = va
	s.length = length
	s.addr = addr
	s.rights = rights
	s.zeroBased = zeroBased
	return nil
}

// invalidate makes a registration unusable until it is registered again.
func (d *Device) invalidate(key uint32) error {
	s, ok := d.lookup(key)
	if !ok {
		return &accessError{msg: fmt.Sprintf("steering tag %#x is not valid", key)}
	}
	if s.windows > 0 {
		return &accessError{msg: fmt.Sprintf("steering tag %#x has bound windows", key)}
	}
	s.valid = false
	if !s.mr {
		if p, ok := d.stags[s.parent]; ok {
			p.windows--
		}
	}
	return nil
}
