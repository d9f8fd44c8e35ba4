package evaluation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queue is the durable job store. Every mutation is atomic at the store
// level; two callers can never both claim the same job.
type Queue interface {
	// Enqueue inserts a job and returns its id. Returns ErrDuplicateJob when
	// a non-terminal job with the same lock key exists.
	Enqueue(ctx context.Context, job NewJob) (uuid.UUID, error)

	// InFlight returns the id of the non-terminal job holding lockKey.
	InFlight(ctx context.Context, lockKey string) (uuid.UUID, bool, error)

	// Claim atomically moves the oldest runnable waiting job to active,
	// increments its attempts and records workerID as the holder. Returns
	// (nil, nil) when nothing is runnable or the queue is paused.
	Claim(ctx context.Context, workerID string) (*Job, error)

	// Ack marks an active job completed.
	Ack(ctx context.Context, id uuid.UUID) error

	// Fail records errMsg on an active job. A retryable failure with
	// attempts remaining returns the job to waiting with run_after=retryAt;
	// otherwise the job becomes failed. The resulting state is returned.
	Fail(ctx context.Context, id uuid.UUID, errMsg string, retryable bool, retryAt time.Time) (JobState, error)

	// RecoverStale returns active jobs locked for longer than olderThan to
	// waiting, or fails them if their attempts are spent.
	RecoverStale(ctx context.Context, olderThan time.Duration) (StaleRecovery, error)

	// Counts reports the number of jobs per state.
	Counts(ctx context.Context) (Counts, error)

	// Get returns a job by id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// Pause stops claims and holds waiting jobs as paused; Resume undoes it.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// RecordHeartbeat stores the last claim time of a worker process and
	// LastHeartbeat returns the most recent one across all workers.
	RecordHeartbeat(ctx context.Context, workerID string, lastClaim time.Time) error
	LastHeartbeat(ctx context.Context) (time.Time, error)

	// Ping checks store connectivity.
	Ping(ctx context.Context) error
}

// StoredResult is a persisted Result plus its provenance.
type StoredResult struct {
	Result      Result
	JobID       uuid.UUID
	EvaluatedAt time.Time
}

// Candidate is an entity eligible for backfill, carrying everything the
// Producer needs to enqueue it.
type Candidate struct {
	Ref     EntityRef
	Content string
	Context Context
}

// BackfillFilter narrows a backfill run. A zero Kind means every kind.
type BackfillFilter struct {
	ActivityID *uuid.UUID
	Kind       Kind
}

// EntityStore is the relational side of the pipeline: entity status, the
// current result, and backfill candidate lookup.
type EntityStore interface {
	// GetEntity returns the entity or ErrNotFound.
	GetEntity(ctx context.Context, ref EntityRef) (*Entity, error)

	// MarkEvaluating flips the entity to evaluating under jobID. It is a
	// no-op when the entity is already stamped with jobID or when jobID is
	// no longer in flight, so a late write cannot resurrect a finished job.
	MarkEvaluating(ctx context.Context, ref EntityRef, jobID uuid.UUID) error

	// CompleteEvaluation stores res and flips the entity to completed in one
	// write. Returns ErrInvalidTransition unless the entity is evaluating
	// under jobID.
	CompleteEvaluation(ctx context.Context, ref EntityRef, jobID uuid.UUID, res Result) error

	// FailEvaluation flips the entity to error with a short reason. Same
	// guard as CompleteEvaluation.
	FailEvaluation(ctx context.Context, ref EntityRef, jobID uuid.UUID, reason string) error

	// GetResult returns the current result, or nil if none is stored.
	GetResult(ctx context.Context, ref EntityRef) (*StoredResult, error)

	// ListBackfillCandidates returns up to limit pending entities whose
	// activity has AI evaluation enabled.
	ListBackfillCandidates(ctx context.Context, filter BackfillFilter, limit int) ([]Candidate, error)
}

// Scorer is the external language-model call. Implementations classify
// their errors with the scoring package's Transient and Permanent wrappers.
type Scorer interface {
	Score(ctx context.Context, p Payload) (*Result, error)
}
