// Package metrics exposes the engine's operational counters and
// gauges via prometheus/client_golang.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckoutFilesTotal is the number of files a running checkout
	// task expects to write, set once the tree walk plan is built.
	CheckoutFilesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "repoengine_checkout_files_total",
		Help: "Total files planned by the current checkout task, by repo.",
	}, []string{"repo_id"})

	// CheckoutFilesDone tracks progress of an in-flight checkout.
	CheckoutFilesDone = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "repoengine_checkout_files_done",
		Help: "Files written so far by the current checkout task, by repo.",
	}, []string{"repo_id"})

	// MergeOutcomesTotal counts merge results by kind.
	MergeOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repoengine_merge_outcomes_total",
		Help: "Merge operations completed, labeled by outcome.",
	}, []string{"outcome"}) // fast_forward | no_op | merged | conflict

	// IndexOperationDuration observes index_add/index_remove latency.
	IndexOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "repoengine_index_operation_seconds",
		Help:    "Latency of index mutating operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// GCWaitSeconds observes how long index_add spent waiting for GC
	// exclusivity before proceeding.
	GCWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repoengine_index_gc_wait_seconds",
		Help:    "Time index_add spent waiting for the GC collaborator to yield.",
		Buckets: []float64{0, .01, .05, .1, .5, 1, 5, 10},
	})
)

// Timer measures an operation's duration and records it to a
// histogram observer when ObserveDuration is called.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer starts a timer against the given observer.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), observer: observer}
}

// ObserveDuration records the elapsed time since NewTimer.
func (t *Timer) ObserveDuration() {
	t.observer.Observe(time.Since(t.start).Seconds())
}
