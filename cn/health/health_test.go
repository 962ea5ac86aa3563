package health

import (
	"errors"
	"testing"
	"time"

	"github.com/kelpdb/cntree/cn"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestErrorIncrementsCounterAndGauges(t *testing.T) {
	r := NewRegistry()
	r.Error(cn.KindTransient, errors.New("boom"))
	require.Len(t, r.RecentErrors(), 1)
	require.Contains(t, string(r.RecentErrors()[0]), "boom")

	r.Error(cn.KindCorrupt, errors.New("wedged"))
	r.Error(cn.KindNoSpace, errors.New("enospc"))
	require.Len(t, r.RecentErrors(), 3)

	require.NoError(t, testutilCounterHasCount(r, "transient", 1))
	require.NoError(t, testutilCounterHasCount(r, "corrupt", 1))
	require.NoError(t, testutilCounterHasCount(r, "no-space", 1))

	wedged := &dto.Metric{}
	require.NoError(t, r.wedgedGauge.Write(wedged))
	require.Equal(t, float64(1), wedged.GetGauge().GetValue())

	nospace := &dto.Metric{}
	require.NoError(t, r.nospaceGauge.Write(nospace))
	require.Equal(t, float64(1), nospace.GetGauge().GetValue())
}

func TestRecentErrorsIsBoundedRing(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < lastErrsCap+10; i++ {
		r.Error(cn.KindTransient, errors.New("e"))
	}
	require.Len(t, r.RecentErrors(), lastErrsCap)
}

func TestAdviseEvictIncrementsCounter(t *testing.T) {
	r := NewRegistry()
	r.AdviseEvict(nil, nil)
	require.NoError(t, testutilCounterHasCount(r, "evict-advisory", 1))
}

// testutilCounterHasCount reads back a CounterVec label's value via the
// prometheus testutil-free path (client_golang's CounterVec exposes no
// direct getter, so this writes the registry's own counter for that
// label into a dto.Metric and compares its value, the same way the
// metrics-family tests in the teacher's internal/cache package do for
// hit/miss counters).
func testutilCounterHasCount(r *Registry, label string, want float64) error {
	m := &dto.Metric{}
	if err := r.errorsByKind.WithLabelValues(label).Write(m); err != nil {
		return err
	}
	if m.GetCounter().GetValue() != want {
		return errors.New("unexpected counter value")
	}
	return nil
}

func TestRecordJobAndLatencyPercentile(t *testing.T) {
	r := NewRegistry()
	w := &cn.CompactionWork{Action: cn.KCompact}
	w.StartTime = time.Now()
	w.CommitDone = w.StartTime.Add(5 * time.Millisecond)
	r.RecordJob(w)

	p := r.LatencyPercentile(cn.KCompact, 50)
	require.Greater(t, p, time.Duration(0))

	require.Equal(t, time.Duration(0), r.LatencyPercentile(cn.Spill, 50))
}

func TestRecordJobSkipsZeroElapsed(t *testing.T) {
	r := NewRegistry()
	w := &cn.CompactionWork{Action: cn.KCompact}
	r.RecordJob(w)
	require.Equal(t, time.Duration(0), r.LatencyPercentile(cn.KCompact, 50))
}

func TestCollectorsReturnsAllFour(t *testing.T) {
	r := NewRegistry()
	require.Len(t, r.Collectors(), 4)
}
