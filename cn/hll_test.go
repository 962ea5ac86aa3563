package cn

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeySketchEstimatesWithinErrorBound(t *testing.T) {
	s := NewKeySketch()
	const n = 20000
	for i := 0; i < n; i++ {
		s.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	est := s.EstimateCardinality()
	// Standard error at precision 12 is ~1.6%; allow generous slack for
	// the small-range correction crossing its threshold.
	lo, hi := uint64(float64(n)*0.9), uint64(float64(n)*1.1)
	require.GreaterOrEqual(t, est, lo)
	require.LessOrEqual(t, est, hi)
}

func TestKeySketchDuplicatesDoNotInflateEstimate(t *testing.T) {
	s := NewKeySketch()
	for i := 0; i < 1000; i++ {
		s.Add([]byte("same-key"))
	}
	require.InDelta(t, 1, float64(s.EstimateCardinality()), 2)
}

func TestKeySketchMergeIsRegisterwiseMax(t *testing.T) {
	a := NewKeySketch()
	b := NewKeySketch()
	for i := 0; i < 5000; i++ {
		a.Add([]byte(fmt.Sprintf("a-%d", i)))
	}
	for i := 0; i < 5000; i++ {
		b.Add([]byte(fmt.Sprintf("b-%d", i)))
	}
	a.Merge(b)
	est := a.EstimateCardinality()
	require.Greater(t, est, uint64(7000))
	require.Less(t, est, uint64(13000))
}

func TestKeySketchMergeIgnoresWrongType(t *testing.T) {
	a := NewKeySketch()
	a.Add([]byte("x"))
	require.NotPanics(t, func() { a.Merge(fakeHlog{}) })
}

type fakeHlog struct{}

func (fakeHlog) EstimateCardinality() uint64 { return 0 }
func (fakeHlog) Merge(Hlog)                  {}
