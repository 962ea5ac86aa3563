// Package health wires the cn package's health-reporting channel and
// per-job latency tracking to prometheus and HdrHistogram, the way
// pebble's wal and record packages export prometheus.Histogram fields
// for fsync/write latency (wal/wal.go's WALFileMetrics).
//
// The perf-counter subsystem this feeds is itself out of scope for the
// tree/node/kvset core; Registry only implements the narrow
// cn.Health/cn.PageEvictor collaborator surfaces the core calls into.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/redact"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kelpdb/cntree/cn"
)

// Registry is a cn.Health implementation that counts errors by kind
// and tracks compaction-job latency, both exported through
// prometheus.Collector and available for direct inspection in tests.
type Registry struct {
	errorsByKind *prometheus.CounterVec
	jobLatency   *prometheus.HistogramVec

	mu       sync.Mutex
	hist     map[cn.ActionKind]*hdrhistogram.Histogram
	lastErrs []redact.RedactableString

	wedgedGauge  prometheus.Gauge
	nospaceGauge prometheus.Gauge
}

// lastErrsCap bounds the ring of retained redacted error strings
// exposed by RecentErrors, enough for an operator dashboard's
// most-recent-errors panel without unbounded growth.
const lastErrsCap = 32

// jobLatencyMinNanos and jobLatencyMaxNanos bound the HdrHistogram
// range: a microsecond floor and a five-minute ceiling comfortably
// cover both a no-op k-compact and a large spill.
const (
	jobLatencyMinNanos = int64(time.Microsecond)
	jobLatencyMaxNanos = int64(5 * time.Minute)
	jobLatencySigFigs  = 3
)

// NewRegistry constructs a Registry with unregistered prometheus
// metrics; callers pass reg.Collectors() to a prometheus.Registerer of
// their choosing, mirroring pebble's pattern of building metric
// structs independent of any specific global registry.
func NewRegistry() *Registry {
	return &Registry{
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cntree",
			Subsystem: "cn",
			Name:      "errors_total",
			Help:      "Count of health-channel errors reported by the tree, by error kind.",
		}, []string{"kind"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cntree",
			Subsystem: "cn",
			Name:      "job_latency_seconds",
			Help:      "Compaction job wall-clock latency from submission to commit, by action.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"action"}),
		hist: make(map[cn.ActionKind]*hdrhistogram.Histogram),
		wedgedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cntree",
			Subsystem: "cn",
			Name:      "nodes_wedged",
			Help:      "Number of nodes currently wedged by an unrecoverable spill failure.",
		}),
		nospaceGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cntree",
			Subsystem: "cn",
			Name:      "nospace",
			Help:      "1 if the tree has observed ENOSPC from the block allocator, else 0.",
		}),
	}
}

// Collectors returns every prometheus.Collector Registry owns, for
// bulk registration.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{r.errorsByKind, r.jobLatency, r.wedgedGauge, r.nospaceGauge}
}

// Error implements cn.Health. Shutdown-kind errors never reach this
// method (spec §7 is enforced by the caller), so every kind seen here
// is a genuine operational signal.
func (r *Registry) Error(kind cn.ErrorKind, err error) {
	r.errorsByKind.WithLabelValues(kind.String()).Inc()
	if kind == cn.KindCorrupt {
		r.wedgedGauge.Inc()
	}
	if kind == cn.KindNoSpace {
		r.nospaceGauge.Set(1)
	}
	// Key bytes never appear in a health-channel error today, but any
	// error string built from user data anywhere in this package must
	// be wrapped in redact.RedactableString before logging, matching
	// pebble's wal/reader.go and metrics/by_placement.go convention.
	msg := redact.Sprintf("cn health: %s: %v", kind, err)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErrs = append(r.lastErrs, msg)
	if len(r.lastErrs) > lastErrsCap {
		r.lastErrs = r.lastErrs[len(r.lastErrs)-lastErrsCap:]
	}
}

// RecentErrors returns the most recently reported errors, redacted and
// newest-last, for an operator dashboard's error panel.
func (r *Registry) RecentErrors() []redact.RedactableString {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]redact.RedactableString(nil), r.lastErrs...)
}

// AdviseEvict implements cn.PageEvictor as a metrics-only observer: it
// has no OS-level page cache access from this package, so it simply
// counts the advisory in errors_total under the "evict-advisory" kind
// label for operator visibility.
func (r *Registry) AdviseEvict(_ context.Context, _ cn.Kvset) {
	r.errorsByKind.WithLabelValues("evict-advisory").Inc()
}

// RecordJob folds one completed CompactionWork's elapsed latency into
// both the prometheus histogram and the corresponding HdrHistogram,
// the latter kept for the same reason the teacher's tool/manifest.go
// keeps per-level HdrHistograms: percentile queries an unbucketed
// prometheus histogram cannot answer precisely.
func (r *Registry) RecordJob(w *cn.CompactionWork) {
	elapsed := w.Elapsed()
	if elapsed <= 0 {
		return
	}
	r.jobLatency.WithLabelValues(w.Action.String()).Observe(elapsed.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hist[w.Action]
	if !ok {
		h = hdrhistogram.New(jobLatencyMinNanos, jobLatencyMaxNanos, jobLatencySigFigs)
		r.hist[w.Action] = h
	}
	_ = h.RecordValue(elapsed.Nanoseconds())
}

// LatencyPercentile returns the recorded latency percentile (0-100)
// for action, or zero if no jobs of that kind have been recorded.
func (r *Registry) LatencyPercentile(action cn.ActionKind, percentile float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hist[action]
	if !ok {
		return 0
	}
	return time.Duration(h.ValueAtQuantile(percentile))
}
