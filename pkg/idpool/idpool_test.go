package idpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireSmallestUnused(t *testing.T) {
	p := New()
	require.Equal(t, uint32(1), p.Acquire())
	require.Equal(t, uint32(2), p.Acquire())
	require.Equal(t, uint32(3), p.Acquire())
}

func TestReleaseIsRecycledBeforeWatermark(t *testing.T) {
	p := New()
	_ = p.Acquire() // 1
	_ = p.Acquire() // 2
	three := p.Acquire()
	four := p.Acquire()
	require.Equal(t, uint32(3), three)
	require.Equal(t, uint32(4), four)

	p.Release(three)
	require.Equal(t, uint32(3), p.Acquire(), "released id below watermark must be reused first")
	require.Equal(t, uint32(5), p.Acquire(), "next fresh id continues above the watermark")
}

func TestAcquireNRollsForwardPastTaken(t *testing.T) {
	p := New()
	p.Acquire() // 1
	ids := p.AcquireN(2)
	require.Equal(t, []uint32{2, 3}, ids)
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	p := New()
	p.Release(42)
	require.Equal(t, 0, p.Len())
}
