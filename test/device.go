package test

import (
	"testing"

	"github.com/slackhq/rdmaring/emu"
	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/wqe"
	"github.com/stretchr/testify/require"
)

// AllFeatures is every capability the emulated device can negotiate.
const AllFeatures = hw.FeatureExtendedCQE | hw.FeaturePushMode | hw.FeatureRelaxRQOrder | hw.FeatureAvoidMemConflict

// Device is an emulated device and the memory it reaches.
type Device struct {
	*hw.Device
	Emu  *emu.Device
	Heap *hw.HeapAllocator
}

// NewDevice returns an emulated device of generation gen with the default
// limits of that generation. Generation 1 devices never get push mode.
func NewDevice(t testing.TB, gen wqe.Generation, features hw.Feature) *Device {
	t.Helper()
	attrs := hw.DefaultAttrs(gen)
	attrs.CQPPollDelay = 0
	if gen == wqe.Gen1 {
		features &^= hw.FeaturePushMode
	}
	l := NewTestLogger(t)
	l.AddHook(generationHook(gen))
	heap := hw.NewHeapAllocator()
	dev, e, err := emu.NewDevice(l, attrs, features, heap)
	require.NoError(t, err)
	return &Device{Device: dev, Emu: e, Heap: heap}
}

// Alloc returns device memory of size bytes and frees it when the test ends.
func (d *Device) Alloc(t testing.TB, size int) hw.DMA {
	t.Helper()
	m, err := d.Heap.Alloc(size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Heap.Free(m) })
	return m
}
