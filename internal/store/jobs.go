package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scarson/evalq/internal/evaluation"
)

const jobColumns = `id, kind, entity_id, payload, state, attempts, max_attempts,
	enqueued_at, last_attempt_at, last_error, run_after, coalesce(locked_by, '')`

func scanJob(row pgx.Row) (*evaluation.Job, error) {
	var j evaluation.Job
	var kind, state string
	if err := row.Scan(&j.ID, &kind, &j.EntityID, &j.Payload, &state, &j.Attempts, &j.MaxAttempts,
		&j.EnqueuedAt, &j.LastAttemptAt, &j.LastError, &j.RunAfter, &j.LockedBy); err != nil {
		return nil, err
	}
	j.Kind = evaluation.Kind(kind)
	j.State = evaluation.JobState(state)
	return &j, nil
}

// Enqueue implements evaluation.Queue. Jobs enqueued while the queue is
// paused are inserted as paused.
func (s *Store) Enqueue(ctx context.Context, nj evaluation.NewJob) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO job_queue (queue, kind, entity_id, payload, lock_key, max_attempts, state)
		VALUES ($1, $2, $3, $4, $5, $6,
			CASE WHEN EXISTS (SELECT 1 FROM queue_settings WHERE queue = $1 AND paused)
				THEN 'paused' ELSE 'waiting' END)
		RETURNING id`,
		s.queue, string(nj.Kind), nj.EntityID, nj.Payload, nj.LockKey, nj.MaxAttempts,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, evaluation.ErrDuplicateJob
		}
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// InFlight implements evaluation.Queue.
func (s *Store) InFlight(ctx context.Context, lockKey string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM job_queue
		WHERE lock_key = $1 AND state IN ('waiting', 'active', 'paused')`,
		lockKey,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup in-flight job: %w", err)
	}
	return id, true, nil
}

// Claim implements evaluation.Queue using FOR UPDATE SKIP LOCKED. Returns
// (nil, nil) when no job is currently runnable.
func (s *Store) Claim(ctx context.Context, workerID string) (*evaluation.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE job_queue SET
			state           = 'active',
			attempts        = attempts + 1,
			locked_by       = $2,
			locked_at       = now(),
			last_attempt_at = now()
		WHERE id = (
			SELECT id FROM job_queue
			WHERE queue = $1
			  AND state = 'waiting'
			  AND run_after <= now()
			ORDER BY run_after, enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		s.queue, workerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Ack implements evaluation.Queue.
func (s *Store) Ack(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue SET
			state       = 'completed',
			locked_by   = NULL,
			locked_at   = NULL,
			last_error  = '',
			finished_at = now()
		WHERE id = $1 AND state = 'active'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("ack job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ack job %s: %w", id, evaluation.ErrJobNotActive)
	}
	return nil
}

// Fail implements evaluation.Queue. A retry lands as paused when the queue
// has been paused in the meantime.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string, retryable bool, retryAt time.Time) (evaluation.JobState, error) {
	var state string
	err := s.pool.QueryRow(ctx, `
		UPDATE job_queue SET
			state = CASE
				WHEN NOT ($3::boolean AND attempts < max_attempts) THEN 'failed'
				WHEN EXISTS (SELECT 1 FROM queue_settings qs WHERE qs.queue = job_queue.queue AND qs.paused) THEN 'paused'
				ELSE 'waiting'
			END,
			run_after   = CASE WHEN $3::boolean AND attempts < max_attempts THEN $4::timestamptz ELSE run_after END,
			finished_at = CASE WHEN $3::boolean AND attempts < max_attempts THEN NULL ELSE now() END,
			last_error  = $2,
			locked_by   = NULL,
			locked_at   = NULL
		WHERE id = $1 AND state = 'active'
		RETURNING state`,
		id, errMsg, retryable, retryAt,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("fail job %s: %w", id, evaluation.ErrJobNotActive)
	}
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", id, err)
	}
	return evaluation.JobState(state), nil
}

// RecoverStale implements evaluation.Queue. Jobs locked longer than
// olderThan go back to waiting (paused while the queue is paused), or to
// failed when their attempts are spent.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (evaluation.StaleRecovery, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE job_queue SET
			state = CASE
				WHEN attempts >= max_attempts THEN 'failed'
				WHEN EXISTS (SELECT 1 FROM queue_settings qs WHERE qs.queue = job_queue.queue AND qs.paused) THEN 'paused'
				ELSE 'waiting'
			END,
			finished_at = CASE WHEN attempts >= max_attempts THEN now() ELSE NULL END,
			last_error  = 'lease expired: worker stopped responding',
			locked_by   = NULL,
			locked_at   = NULL
		WHERE queue = $1
		  AND state = 'active'
		  AND locked_at < now() - make_interval(secs => $2)
		RETURNING `+jobColumns,
		s.queue, olderThan.Seconds(),
	)
	if err != nil {
		return evaluation.StaleRecovery{}, fmt.Errorf("recover stale jobs: %w", err)
	}
	defer rows.Close()

	var out evaluation.StaleRecovery
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return out, fmt.Errorf("scan recovered job: %w", err)
		}
		if j.State == evaluation.StateFailed {
			out.Exhausted = append(out.Exhausted, *j)
			continue
		}
		out.Requeued++
	}
	return out, rows.Err()
}

// Counts implements evaluation.Queue. Delayed is derived: a waiting job whose
// run_after is still in the future.
func (s *Store) Counts(ctx context.Context) (evaluation.Counts, error) {
	var c evaluation.Counts
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE state = 'waiting' AND run_after <= now()),
			count(*) FILTER (WHERE state = 'active'),
			count(*) FILTER (WHERE state = 'completed'),
			count(*) FILTER (WHERE state = 'failed'),
			count(*) FILTER (WHERE state = 'waiting' AND run_after > now()),
			count(*) FILTER (WHERE state = 'paused')
		FROM job_queue
		WHERE queue = $1`,
		s.queue,
	).Scan(&c.Waiting, &c.Active, &c.Completed, &c.Failed, &c.Delayed, &c.Paused)
	if err != nil {
		return c, fmt.Errorf("count jobs: %w", err)
	}
	return c, nil
}

// Get implements evaluation.Queue.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*evaluation.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, evaluation.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if j.State == evaluation.StateWaiting && j.RunAfter.After(time.Now()) {
		j.State = evaluation.StateDelayed
	}
	return j, nil
}

// Pause implements evaluation.Queue.
func (s *Store) Pause(ctx context.Context) error {
	return s.setPaused(ctx, true)
}

// Resume implements evaluation.Queue.
func (s *Store) Resume(ctx context.Context) error {
	return s.setPaused(ctx, false)
}

func (s *Store) setPaused(ctx context.Context, paused bool) error {
	from, to := "waiting", "paused"
	if !paused {
		from, to = to, from
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO queue_settings (queue, paused) VALUES ($1, $2)
			ON CONFLICT (queue) DO UPDATE SET paused = EXCLUDED.paused`,
			s.queue, paused,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE job_queue SET state = $2 WHERE queue = $1 AND state = $3`,
			s.queue, to, from)
		return err
	})
	if err != nil {
		return fmt.Errorf("set queue paused=%t: %w", paused, err)
	}
	return nil
}

// RecordHeartbeat implements evaluation.Queue.
func (s *Store) RecordHeartbeat(ctx context.Context, workerID string, lastClaim time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker_id, last_claim_at, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (worker_id) DO UPDATE
		SET last_claim_at = EXCLUDED.last_claim_at, updated_at = now()`,
		workerID, lastClaim,
	)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// LastHeartbeat implements evaluation.Queue. Returns the zero time when no
// worker has ever reported.
func (s *Store) LastHeartbeat(ctx context.Context) (time.Time, error) {
	var last *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT max(last_claim_at) FROM worker_heartbeats`).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("last heartbeat: %w", err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}
