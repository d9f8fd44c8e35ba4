package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/scarson/evalq/internal/metrics"
)

// Producer defaults.
const (
	DefaultMaxContentBytes = 16 << 10
	DefaultMaxAttempts     = 5
)

// ProducerConfig holds enqueue limits (sourced from config.Config).
type ProducerConfig struct {
	MaxContentBytes int
	MaxAttempts     int
}

// Request is one evaluation request.
type Request struct {
	Kind     Kind
	EntityID uuid.UUID
	Content  string
	Context  Context
}

// JobHandle identifies the job serving a request. Existing is true when the
// request was coalesced onto a job that was already in flight.
type JobHandle struct {
	JobID    uuid.UUID
	Existing bool
}

// Producer validates evaluation requests and turns them into queued jobs.
// It never calls the scoring service.
type Producer struct {
	queue    Queue
	entities EntityStore
	cfg      ProducerConfig
	metrics  *metrics.Metrics
	notify   func()
	log      *slog.Logger
}

// NewProducer creates a Producer. Zero config fields take package defaults.
func NewProducer(q Queue, entities EntityStore, cfg ProducerConfig) *Producer {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultMaxContentBytes
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Producer{
		queue:    q,
		entities: entities,
		cfg:      cfg,
		log:      slog.Default(),
	}
}

// SetMetrics attaches enqueue counters.
func (p *Producer) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// OnEnqueue registers fn to run after every newly created job, typically the
// in-process worker pool's wake-up. fn must not block.
func (p *Producer) OnEnqueue(fn func()) { p.notify = fn }

// Validate checks req without touching any store.
func (p *Producer) Validate(req Request) error {
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, req.Kind)
	}
	if req.EntityID == uuid.Nil {
		return fmt.Errorf("%w: entity id is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidPayload)
	}
	if n := len(req.Content); n > p.cfg.MaxContentBytes {
		return fmt.Errorf("%w: content is %d bytes, limit is %d", ErrInvalidPayload, n, p.cfg.MaxContentBytes)
	}
	return nil
}

// Enqueue queues an evaluation for req's entity.
//
// If the entity is already evaluating under a job the queue still holds,
// that job's handle is returned with Existing set and no job is created.
// The queue's unique lock key backs this check, so two concurrent requests
// resolve to one job even when both read a non-evaluating status. The entity is flipped to evaluating only
// after the queue confirms the job; a queue failure returns
// ErrQueueUnavailable and leaves the entity untouched.
func (p *Producer) Enqueue(ctx context.Context, req Request) (JobHandle, error) {
	if err := p.Validate(req); err != nil {
		return JobHandle{}, err
	}
	ref := EntityRef{Kind: req.Kind, ID: req.EntityID}

	ent, err := p.entities.GetEntity(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return JobHandle{}, err
		}
		return JobHandle{}, fmt.Errorf("%w: load entity: %w", ErrQueueUnavailable, err)
	}
	if ent.Status == StatusEvaluating && ent.JobID.Valid {
		// The entity row alone is not proof: a lost terminal write leaves it
		// evaluating under a job the queue already finished.
		existing, ok, err := p.queue.InFlight(ctx, ref.LockKey())
		if err != nil {
			return JobHandle{}, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
		}
		if ok {
			p.log.DebugContext(ctx, "evaluation already in flight",
				"entity", ref, "job_id", existing)
			return JobHandle{JobID: existing, Existing: true}, nil
		}
		p.log.WarnContext(ctx, "entity evaluating under a finished job, enqueueing again",
			"entity", ref, "job_id", ent.JobID.UUID)
	}

	payload, err := NewPayload(req.Kind, req.EntityID, req.Content, req.Context)
	if err != nil {
		return JobHandle{}, err
	}
	raw, err := EncodePayload(payload)
	if err != nil {
		return JobHandle{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	handle, err := p.enqueue(ctx, ref, raw)
	if err != nil {
		return JobHandle{}, err
	}
	if handle.Existing {
		return handle, nil
	}

	// The worker stamps the entity again on claim, so a failure here only
	// delays the visible flip to evaluating.
	if err := p.entities.MarkEvaluating(ctx, ref, handle.JobID); err != nil {
		p.log.WarnContext(ctx, "mark evaluating after enqueue",
			"entity", ref, "job_id", handle.JobID, "error", err)
	}

	p.metrics.JobEnqueued(string(req.Kind))
	p.log.InfoContext(ctx, "evaluation enqueued", "entity", ref, "job_id", handle.JobID)
	if p.notify != nil {
		p.notify()
	}
	return handle, nil
}

// enqueue inserts the job, resolving a lock-key conflict to the job that
// holds the key. If that job finishes between the conflict and the lookup,
// the insert is retried once.
func (p *Producer) enqueue(ctx context.Context, ref EntityRef, raw []byte) (JobHandle, error) {
	job := NewJob{
		Kind:        ref.Kind,
		EntityID:    ref.ID,
		Payload:     raw,
		MaxAttempts: p.cfg.MaxAttempts,
		LockKey:     ref.LockKey(),
	}
	for attempt := 0; attempt < 2; attempt++ {
		id, err := p.queue.Enqueue(ctx, job)
		if err == nil {
			return JobHandle{JobID: id}, nil
		}
		if !errors.Is(err, ErrDuplicateJob) {
			return JobHandle{}, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
		}
		existing, ok, lookupErr := p.queue.InFlight(ctx, job.LockKey)
		if lookupErr != nil {
			return JobHandle{}, fmt.Errorf("%w: %w", ErrQueueUnavailable, lookupErr)
		}
		if ok {
			return JobHandle{JobID: existing, Existing: true}, nil
		}
	}
	return JobHandle{}, fmt.Errorf("%w: lock key %s kept conflicting", ErrQueueUnavailable, job.LockKey)
}
