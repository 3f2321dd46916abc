package hw

import (
	"testing"

	"github.com/slackhq/rdmaring/wqe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapAllocator(t *testing.T) {
	m := NewMmapAllocator()
	d, err := m.Alloc(10)
	require.NoError(t, err)
	assert.Equal(t, PageSize, d.Size())
	assert.Zero(t, d.Addr%PageSize)

	wqe.SetHeader(d.Buf, 1<<63)
	got, err := m.Layout().Translate(d.Addr, wqe.QuantumSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<63), wqe.Header(got))

	require.NoError(t, m.Free(d))
	assert.ErrorIs(t, m.Free(d), ErrBadAddress)
}
