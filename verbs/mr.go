package verbs

import (
	"context"
	"fmt"

	"github.com/slackhq/rdmaring/cqp"
	"github.com/slackhq/rdmaring/hw"
)

// Access rights of a registration.
const (
	AccessLocalWrite  = cqp.AccessLocalWrite
	AccessRemoteRead  = cqp.AccessRemoteRead
	AccessRemoteWrite = cqp.AccessRemoteWrite
	AccessBind        = cqp.AccessBind
)

// StagKind tells what a steering tag names.
type StagKind uint8

const (
	// KindMR is a region registered with [Provider.RegMR].
	KindMR StagKind = iota
	// KindFastRegMR is a region reserved with [Provider.AllocFastRegMR]
	// and registered through the send queue.
	KindFastRegMR
	// KindMW is a memory window.
	KindMW
)

func (k StagKind) String() string {
	switch k {
	case KindMR:
		return "mr"
	case KindFastRegMR:
		return "fast_reg_mr"
	case KindMW:
		return "mw"
	}
	return fmt.Sprintf("stag_kind(%d)", uint8(k))
}

// Stag is a memory registration or window.
type Stag struct {
	Kind   StagKind
	Index  uint32
	Key    uint8
	VA     uint64
	Len    uint64
	Rights uint8
}

// Tag returns the steering tag used as lkey and rkey.
func (s *Stag) Tag() uint32 {
	return s.Index<<8 | uint32(s.Key)
}

// allocStag reserves an index and key. Must be called with p.mu held.
func (p *Provider) allocStag(s *Stag) {
	idx := p.nextStag
	for p.stags[idx] != nil || idx == 0 {
		idx = (idx + 1) & 0xffffff
	}
	p.nextStag = idx + 1
	p.stagKey++
	s.Index = idx
	s.Key = p.stagKey
	p.stags[idx] = s
}

func (p *Provider) register(ctx context.Context, s *Stag, build func(cqp.StagInfo) cqp.Command, info cqp.StagInfo) (*Stag, error) {
	p.mu.Lock()
	if err := p.checkOpen(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.allocStag(s)
	p.mu.Unlock()

	info.Index = s.Index
	info.Key = s.Key
	info.PDID = p.pd
	if _, err := p.submit(ctx, build(info)); err != nil {
		p.mu.Lock()
		delete(p.stags, s.Index)
		p.mu.Unlock()
		return nil, fmt.Errorf("register %s: %w", s.Kind, err)
	}

	p.mu.Lock()
	p.metrics.stags.Update(int64(len(p.stags)))
	p.mu.Unlock()
	p.l.WithField("stag", fmt.Sprintf("%#x", s.Tag())).WithField("kind", s.Kind).Debug("Steering tag registered")
	return s, nil
}

// RegMR registers mem, addressed by its device address, with the given
// access rights.
func (p *Provider) RegMR(ctx context.Context, mem hw.DMA, rights uint8) (*Stag, error) {
	s := &Stag{Kind: KindMR, VA: mem.Addr, Len: uint64(mem.Size()), Rights: rights}
	return p.register(ctx, s, cqp.RegMR, cqp.StagInfo{
		VA:     mem.Addr,
		Len:    uint64(mem.Size()),
		Rights: rights,
		Addr:   mem.Addr,
	})
}

// AllocFastRegMR reserves a region steering tag that becomes valid when a
// fast register request for it completes.
func (p *Provider) AllocFastRegMR(ctx context.Context, maxLen uint64, rights uint8) (*Stag, error) {
	s := &Stag{Kind: KindFastRegMR, Len: maxLen, Rights: rights}
	return p.register(ctx, s, cqp.AllocStag, cqp.StagInfo{Len: maxLen, Rights: rights})
}

// AllocMW reserves a memory window, valid once bound through the send
// queue.
func (p *Provider) AllocMW(ctx context.Context, type1 bool) (*Stag, error) {
	s := &Stag{Kind: KindMW}
	return p.register(ctx, s, cqp.AllocMW, cqp.StagInfo{MWType1: type1})
}

// DeregMR releases a region from [Provider.RegMR] or
// [Provider.AllocFastRegMR].
func (p *Provider) DeregMR(ctx context.Context, s *Stag) error {
	if s.Kind == KindMW {
		return fmt.Errorf("steering tag %#x is a memory window", s.Tag())
	}
	return p.Dealloc(ctx, s)
}

// DeallocMW releases a memory window.
func (p *Provider) DeallocMW(ctx context.Context, s *Stag) error {
	if s.Kind != KindMW {
		return fmt.Errorf("steering tag %#x is not a memory window", s.Tag())
	}
	return p.Dealloc(ctx, s)
}

// Dealloc releases any steering tag.
func (p *Provider) Dealloc(ctx context.Context, s *Stag) error {
	p.mu.Lock()
	if p.stags[s.Index] != s {
		p.mu.Unlock()
		return fmt.Errorf("steering tag %#x is not owned by this provider", s.Tag())
	}
	p.mu.Unlock()

	if _, err := p.submit(ctx, cqp.DeallocStag(s.Index, s.Kind != KindMW)); err != nil {
		return fmt.Errorf("deallocate %s %#x: %w", s.Kind, s.Tag(), err)
	}
	p.mu.Lock()
	delete(p.stags, s.Index)
	p.metrics.stags.Update(int64(len(p.stags)))
	p.mu.Unlock()
	return nil
}
