package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/scarson/evalq/internal/evaluation"
	"github.com/scarson/evalq/internal/events"
	"github.com/scarson/evalq/internal/metrics"
	"github.com/scarson/evalq/internal/scoring"
)

// Pool runs Config.Concurrency goroutines that claim and execute evaluation
// jobs, plus one stale-lock recovery goroutine and one heartbeat goroutine.
type Pool struct {
	queue    evaluation.Queue
	entities evaluation.EntityStore
	scorer   evaluation.Scorer
	cfg      Config
	workerID string
	wake     chan struct{}
	// lastClaim is the unix-nano time of the most recent claim attempt,
	// successful or not.
	lastClaim atomic.Int64
	metrics   *metrics.Metrics
	events    events.Publisher
	jitter    func() float64
	log       *slog.Logger
}

// New creates a Pool. A random workerID is generated at construction time to
// distinguish this process in the locked_by column.
func New(q evaluation.Queue, entities evaluation.EntityStore, scorer evaluation.Scorer, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		queue:    q,
		entities: entities,
		scorer:   scorer,
		cfg:      cfg,
		workerID: uuid.New().String(),
		wake:     make(chan struct{}, cfg.Concurrency),
		jitter:   randomJitter,
		log:      slog.Default(),
	}
}

// SetMetrics attaches outcome counters and the scoring latency histogram.
func (p *Pool) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// SetPublisher attaches a terminal-event publisher.
func (p *Pool) SetPublisher(pub events.Publisher) { p.events = pub }

// WorkerID returns the id recorded as locked_by on claimed jobs.
func (p *Pool) WorkerID() string { return p.workerID }

// Wake nudges one idle worker to poll now instead of at its next tick. It
// never blocks.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// LastClaimAt returns the time of the most recent claim attempt, or the zero
// time if the pool has not polled yet.
func (p *Pool) LastClaimAt() time.Time {
	n := p.lastClaim.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start launches the workers and background goroutines, then blocks until
// ctx is cancelled. Cancellation stops new claims; jobs already being scored
// run to completion on a detached context, and Start returns once every
// goroutine has exited.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for i := range p.cfg.Concurrency {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runWorker(ctx, slot)
		}(i)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		p.runStaleRecovery(ctx)
	}()
	go func() {
		defer wg.Done()
		p.runHeartbeat(ctx)
	}()

	slog.Info("worker pool started", "worker_id", p.workerID,
		"concurrency", p.cfg.Concurrency, "poll_interval", p.cfg.PollInterval)
	wg.Wait()
	slog.Info("worker pool stopped", "worker_id", p.workerID)
}

// RunOnce claims up to Concurrency jobs, executes them concurrently and
// returns how many were processed. It runs no background goroutines.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	var g errgroup.Group
	n := 0
	for range p.cfg.Concurrency {
		job, err := p.claim(ctx)
		if err != nil {
			_ = g.Wait()
			return n, err
		}
		if job == nil {
			break
		}
		n++
		g.Go(func() error {
			p.execute(ctx, job)
			return nil
		})
	}
	return n, g.Wait()
}

// runWorker drains the queue, then waits for a tick or a wake-up. Uses
// time.NewTicker (not time.After) to avoid timer leaks.
func (p *Pool) runWorker(ctx context.Context, slot int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			job, err := p.claim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("claim job error", "worker_id", p.workerID, "slot", slot, "error", err)
				}
				break
			}
			if job == nil {
				break // queue drained; normal case
			}
			p.execute(ctx, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

func (p *Pool) claim(ctx context.Context) (*evaluation.Job, error) {
	p.lastClaim.Store(time.Now().UnixNano())
	return p.queue.Claim(ctx, p.workerID)
}

// execute scores one claimed job and records the outcome. Scoring and the
// writes after it run on a context detached from ctx, so shutdown never
// interrupts a call that is already in progress.
func (p *Pool) execute(ctx context.Context, job *evaluation.Job) {
	ctx = context.WithoutCancel(ctx)
	ref := job.Ref()
	log := p.log.With("job_id", job.ID, "entity", ref, "attempts", job.Attempts)

	payload, err := job.Decode()
	if err != nil {
		p.fail(ctx, log, job, fmt.Errorf("%w: %w", evaluation.ErrInvalidPayload, err))
		return
	}

	// Covers jobs whose producer-side status write was lost, and re-stamps
	// after stale recovery. No-op when the entity already carries this job.
	if err := p.entities.MarkEvaluating(ctx, ref, job.ID); err != nil {
		log.WarnContext(ctx, "mark evaluating on claim", "error", err)
	}

	log.InfoContext(ctx, "executing job")
	scoreCtx, cancel := context.WithTimeout(ctx, p.cfg.ScoreTimeout)
	start := time.Now()
	res, err := p.scorer.Score(scoreCtx, payload)
	cancel()
	p.metrics.ObserveScoring(string(job.Kind), time.Since(start))
	if err == nil && res == nil {
		err = scoring.Permanent("scoring returned no result", nil)
	}
	if err != nil {
		p.fail(ctx, log, job, err)
		return
	}

	if err := p.entities.CompleteEvaluation(ctx, ref, job.ID, *res); err != nil {
		if !errors.Is(err, evaluation.ErrInvalidTransition) {
			p.fail(ctx, log, job, scoring.Transient(fmt.Errorf("persist result: %w", err)))
			return
		}
		// The entity moved on without this job (another attempt already
		// finished it). Nothing left to record; just release the job.
		log.WarnContext(ctx, "result not stored, entity no longer held by job", "error", err)
	}
	if err := p.queue.Ack(ctx, job.ID); err != nil {
		log.ErrorContext(ctx, "ack job error", "error", err)
		return
	}

	p.metrics.JobProcessed(string(job.Kind), metrics.OutcomeCompleted)
	log.InfoContext(ctx, "job completed", "overall_score", res.OverallScore)
	score := res.OverallScore
	p.publish(ctx, events.Event{
		Type:         events.Completed,
		JobID:        job.ID,
		Kind:         job.Kind,
		EntityID:     job.EntityID,
		Status:       evaluation.StatusCompleted,
		Attempts:     job.Attempts,
		OverallScore: &score,
		BloomsLevel:  res.BloomsLevel,
		OccurredAt:   time.Now().UTC(),
	})
}

// fail classifies err and hands the job back to the queue. A transient
// failure with attempts left is rescheduled with backoff and the entity stays
// evaluating; anything else is terminal and flips the entity to error.
func (p *Pool) fail(ctx context.Context, log *slog.Logger, job *evaluation.Job, err error) {
	class := scoring.Classify(err)
	retryable := class == scoring.ClassTransient
	delay := Backoff(job.Attempts, p.cfg.BackoffBase, p.cfg.BackoffMax, p.jitter())

	state, failErr := p.queue.Fail(ctx, job.ID, err.Error(), retryable, time.Now().Add(delay))
	if failErr != nil {
		log.ErrorContext(ctx, "fail job error", "error", failErr, "cause", err)
		return
	}
	if state != evaluation.StateFailed {
		p.metrics.JobProcessed(string(job.Kind), metrics.OutcomeRetried)
		log.WarnContext(ctx, "job failed, retry scheduled",
			"error", err, "class", class, "retry_in", delay)
		return
	}

	reason := scoring.Reason(err)
	if retryable {
		reason = fmt.Sprintf("%s after %d attempts", reason, job.Attempts)
	}
	log.ErrorContext(ctx, "job failed permanently", "error", err, "class", class)
	p.finishFailed(ctx, job, reason)
}

// finishFailed records a terminal job failure on the entity.
func (p *Pool) finishFailed(ctx context.Context, job *evaluation.Job, reason string) {
	if err := p.entities.FailEvaluation(ctx, job.Ref(), job.ID, reason); err != nil {
		p.log.WarnContext(ctx, "mark entity error", "job_id", job.ID, "entity", job.Ref(), "error", err)
	}
	p.metrics.JobProcessed(string(job.Kind), metrics.OutcomeFailed)
	p.publish(ctx, events.Event{
		Type:       events.Failed,
		JobID:      job.ID,
		Kind:       job.Kind,
		EntityID:   job.EntityID,
		Status:     evaluation.StatusError,
		Attempts:   job.Attempts,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	})
}

func (p *Pool) publish(ctx context.Context, e events.Event) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, e); err != nil {
		p.log.WarnContext(ctx, "publish evaluation event", "job_id", e.JobID, "type", e.Type, "error", err)
	}
}

// RecoverStale returns jobs held longer than the lease timeout to the queue.
// Jobs with no attempts left are failed and their entities flipped to error.
func (p *Pool) RecoverStale(ctx context.Context) (evaluation.StaleRecovery, error) {
	rec, err := p.queue.RecoverStale(ctx, p.cfg.LeaseTimeout)
	if err != nil {
		return rec, fmt.Errorf("recover stale jobs: %w", err)
	}
	for i := range rec.Exhausted {
		job := &rec.Exhausted[i]
		p.finishFailed(ctx, job, fmt.Sprintf("worker stopped responding after %d attempts", job.Attempts))
	}
	if rec.Requeued > 0 || len(rec.Exhausted) > 0 {
		p.log.InfoContext(ctx, "reclaimed stale jobs",
			"requeued", rec.Requeued, "exhausted", len(rec.Exhausted))
		p.Wake()
	}
	return rec, nil
}

// runStaleRecovery periodically runs RecoverStale. Uses time.NewTicker (not
// time.After) to avoid timer leaks.
func (p *Pool) runStaleRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StaleCheckInterval)
	defer ticker.Stop()

	slog.Info("stale recovery started", "worker_id", p.workerID,
		"threshold", p.cfg.LeaseTimeout, "check_interval", p.cfg.StaleCheckInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale recovery stopping")
			return
		case <-ticker.C:
			if _, err := p.RecoverStale(ctx); err != nil && ctx.Err() == nil {
				slog.Error("stale job recovery error", "error", err)
			}
		}
	}
}

// runHeartbeat publishes LastClaimAt to the queue so health checks in other
// processes can judge worker liveness.
func (p *Pool) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := p.LastClaimAt()
			if last.IsZero() {
				continue
			}
			if err := p.queue.RecordHeartbeat(ctx, p.workerID, last); err != nil && ctx.Err() == nil {
				slog.Warn("record worker heartbeat", "worker_id", p.workerID, "error", err)
			}
		}
	}
}
