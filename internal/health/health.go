// Package health reports queue depth, store reachability and worker
// liveness for operators. It only reads.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/scarson/evalq/internal/evaluation"
	"github.com/scarson/evalq/internal/metrics"
)

// LocalWorkers is implemented by an in-process worker pool.
type LocalWorkers interface {
	LastClaimAt() time.Time
}

// Config controls liveness judgement.
type Config struct {
	// WorkersEnabled is false when this process runs without workers.
	// Liveness then relies on heartbeats from separate worker processes.
	WorkersEnabled bool
	// LivenessThreshold is how recent the last claim attempt must be for
	// workers to count as alive.
	LivenessThreshold time.Duration
}

// Report is the health snapshot returned to operators.
type Report struct {
	QueueCounts    evaluation.Counts `json:"queue_counts"`
	StoreReachable bool              `json:"store_reachable"`
	WorkersAlive   bool              `json:"workers_alive"`
	WorkersEnabled bool              `json:"workers_enabled"`
	LastClaimAt    *time.Time        `json:"last_claim_at,omitempty"`
	CheckedAt      time.Time         `json:"checked_at"`
}

// Monitor builds Reports.
type Monitor struct {
	queue   evaluation.Queue
	local   LocalWorkers
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewMonitor creates a Monitor. local may be nil when workers run in a
// separate process; liveness then comes from the queue's heartbeat record.
func NewMonitor(q evaluation.Queue, local LocalWorkers, cfg Config) *Monitor {
	return &Monitor{queue: q, local: local, cfg: cfg, now: time.Now}
}

// SetMetrics makes Check refresh the per-state queue gauges.
func (m *Monitor) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

// SetClock replaces the time source.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Check gathers a Report. A store failure is reported, not returned.
func (m *Monitor) Check(ctx context.Context) Report {
	r := Report{WorkersEnabled: m.cfg.WorkersEnabled, CheckedAt: m.now().UTC()}

	counts, err := m.queue.Counts(ctx)
	if err != nil {
		slog.WarnContext(ctx, "health: queue counts", "error", err)
		return r
	}
	r.StoreReachable = true
	r.QueueCounts = counts
	for state, n := range counts.ByState() {
		m.metrics.SetQueueDepth(string(state), n)
	}

	last := m.lastClaim(ctx)
	if !last.IsZero() {
		r.LastClaimAt = &last
		r.WorkersAlive = m.now().Sub(last) <= m.cfg.LivenessThreshold
	}
	return r
}

func (m *Monitor) lastClaim(ctx context.Context) time.Time {
	var last time.Time
	// With local workers disabled only another process's heartbeat counts.
	if m.local != nil && m.cfg.WorkersEnabled {
		last = m.local.LastClaimAt()
	}
	hb, err := m.queue.LastHeartbeat(ctx)
	if err != nil {
		slog.WarnContext(ctx, "health: last heartbeat", "error", err)
		return last
	}
	if hb.After(last) {
		last = hb
	}
	return last
}

// Live is the lightweight probe: it only pings the store.
func (m *Monitor) Live(ctx context.Context) error {
	return m.queue.Ping(ctx)
}
