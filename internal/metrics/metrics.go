// ABOUTME: Prometheus collectors for the evaluation pipeline: enqueues, outcomes, latency, depth.
// ABOUTME: All methods are nil-safe so components can run without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for JobProcessed.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Metrics holds the pipeline's collectors.
type Metrics struct {
	enqueued  *prometheus.CounterVec
	processed *prometheus.CounterVec
	scoring   *prometheus.HistogramVec
	queueJobs *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalq",
			Name:      "jobs_enqueued_total",
			Help:      "Evaluation jobs created by the producer.",
		}, []string{"kind"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalq",
			Name:      "jobs_processed_total",
			Help:      "Evaluation job attempts by outcome.",
		}, []string{"kind", "outcome"}),
		scoring: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "evalq",
			Name:      "scoring_duration_seconds",
			Help:      "Latency of scoring service calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 90},
		}, []string{"kind"}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "evalq",
			Name:      "queue_jobs",
			Help:      "Jobs per queue state at the last health check.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.enqueued, m.processed, m.scoring, m.queueJobs)
	return m
}

// JobEnqueued counts a newly created job.
func (m *Metrics) JobEnqueued(kind string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(kind).Inc()
}

// JobProcessed counts one attempt outcome.
func (m *Metrics) JobProcessed(kind, outcome string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(kind, outcome).Inc()
}

// ObserveScoring records one scoring call's latency.
func (m *Metrics) ObserveScoring(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.scoring.WithLabelValues(kind).Observe(d.Seconds())
}

// SetQueueDepth records the job count for one state.
func (m *Metrics) SetQueueDepth(state string, n int64) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(state).Set(float64(n))
}
