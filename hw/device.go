// Package hw describes the device a set of rings is shared with: its
// negotiated attributes and features, its register file and the allocator
// that backs descriptor memory with device visible addresses.
package hw

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring/ring"
	"github.com/slackhq/rdmaring/wqe"
)

// Feature is a capability negotiated at device bring-up.
type Feature uint64

const (
	// FeatureExtendedCQE lets completions carry a second quantum with
	// immediate data.
	FeatureExtendedCQE Feature = 1 << iota
	// FeaturePushMode enables push pages for low latency posting.
	FeaturePushMode
	// FeatureRelaxRQOrder allows receive completions out of slot order.
	FeatureRelaxRQOrder
	// FeatureAvoidMemConflict places extended completion quanta next to
	// each other instead of in consecutive ring slots.
	FeatureAvoidMemConflict
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureExtendedCQE, "extended_cqe"},
	{FeaturePushMode, "push_mode"},
	{FeatureRelaxRQOrder, "relax_rq_order"},
	{FeatureAvoidMemConflict, "avoid_mem_conflict"},
}

// Has reports whether all features in o are set.
func (f Feature) Has(o Feature) bool {
	return f&o == o
}

func (f Feature) String() string {
	var names []string
	for _, n := range featureNames {
		if f.Has(n.f) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseFeature returns the feature with the given config name.
func ParseFeature(name string) (Feature, error) {
	for _, n := range featureNames {
		if n.name == name {
			return n.f, nil
		}
	}
	return 0, fmt.Errorf("unknown device feature %q", name)
}

// Attrs are the hardware limits negotiated at bring-up.
type Attrs struct {
	Generation wqe.Generation

	// MaxSQChunk is the descriptor fetch granule in quanta. A send
	// descriptor never straddles a chunk boundary.
	MaxSQChunk uint32
	// SQReserved quanta are added to every send queue depth and never
	// handed out, leaving room for device lookahead.
	SQReserved uint32
	// RQReserved descriptors are added to every receive queue depth.
	RQReserved uint32

	MaxSQFrags    uint32
	MaxRQFrags    uint32
	MaxInlineData uint32

	// MinWQSize is the smallest work queue in descriptors.
	MinWQSize uint32
	// MaxWQQuanta is the largest work queue in quanta.
	MaxWQQuanta uint32
	MinCQSize   uint32
	MaxCQSize   uint32

	MaxQPs       uint32
	MaxCQs       uint32
	MaxPushPages uint32

	// CQPMaxDoneCount bounds every register polling loop.
	CQPMaxDoneCount uint32
	// CQPPollDelay is the pause between two register reads.
	CQPPollDelay time.Duration
}

// DefaultAttrs returns the limits of a device generation.
func DefaultAttrs(gen wqe.Generation) Attrs {
	a := Attrs{
		Generation:      gen,
		MaxSQChunk:      wqe.MaxQuantaPerWR,
		SQReserved:      258,
		RQReserved:      1,
		MaxSQFrags:      13,
		MaxRQFrags:      13,
		MaxInlineData:   101,
		MinWQSize:       8,
		MaxWQQuanta:     32768,
		MinCQSize:       4,
		MaxCQSize:       1<<20 - 1,
		MaxQPs:          4096,
		MaxCQs:          4096,
		MaxPushPages:    64,
		CQPMaxDoneCount: 2000,
		CQPPollDelay:    10 * time.Microsecond,
	}
	if gen == wqe.Gen1 {
		a.MaxSQFrags = 3
		a.MaxRQFrags = 3
		a.MaxInlineData = 48
		a.MaxPushPages = 0
	}
	return a
}

// Validate checks the attributes against what the descriptor layouts can
// express.
func (a *Attrs) Validate() error {
	ops, err := wqe.OpsFor(a.Generation)
	if err != nil {
		return err
	}
	if a.MaxSQChunk == 0 || a.MaxSQChunk&(a.MaxSQChunk-1) != 0 {
		return fmt.Errorf("sq chunk %d is not a power of 2", a.MaxSQChunk)
	}
	if a.MaxSQChunk < wqe.MaxQuantaPerWR {
		return fmt.Errorf("sq chunk %d is smaller than the largest descriptor", a.MaxSQChunk)
	}
	if a.MaxInlineData > ops.MaxInline() {
		return fmt.Errorf("max inline data %d exceeds the %v limit of %d", a.MaxInlineData, a.Generation, ops.MaxInline())
	}
	if a.MaxSQFrags > wqe.MaxFragCount-1 || a.MaxRQFrags > wqe.MaxFragCount {
		return fmt.Errorf("fragment limits sq=%d rq=%d are too large", a.MaxSQFrags, a.MaxRQFrags)
	}
	if a.MinWQSize*a.MaxSQChunk > a.MaxWQQuanta {
		return errors.New("minimum work queue does not fit the maximum quanta")
	}
	if a.MaxWQQuanta > ring.MaxSize {
		return fmt.Errorf("max work queue quanta %d exceeds %d", a.MaxWQQuanta, ring.MaxSize)
	}
	if a.CQPMaxDoneCount == 0 {
		return errors.New("cqp max done count must not be 0")
	}
	return nil
}

// Device is the handle passed to every ring. It replaces process wide
// device state: nothing in this module keeps a global device.
type Device struct {
	Attrs    Attrs
	Features Feature
	Regs     Registers
	Mem      Allocator
	L        *logrus.Logger
}

// NewDevice validates the attributes and returns a device handle.
func NewDevice(l *logrus.Logger, attrs Attrs, features Feature, regs Registers, mem Allocator) (*Device, error) {
	if err := attrs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid device attributes: %w", err)
	}
	if features.Has(FeaturePushMode) && attrs.MaxPushPages == 0 {
		return nil, errors.New("push mode negotiated without push pages")
	}
	return &Device{
		Attrs:    attrs,
		Features: features,
		Regs:     regs,
		Mem:      mem,
		L:        l,
	}, nil
}
