package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scarson/evalq/internal/evaluation"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// GetEntity implements evaluation.EntityStore.
func (s *Store) GetEntity(ctx context.Context, ref evaluation.EntityRef) (*evaluation.Entity, error) {
	var query string
	switch ref.Kind {
	case evaluation.KindQuestion:
		query = `
			SELECT q.activity_id, q.evaluation_status, q.evaluation_job_id, q.evaluation_error, a.ai_evaluation_enabled
			FROM questions q
			JOIN activities a ON a.id = q.activity_id
			WHERE q.id = $1`
	case evaluation.KindResponse:
		query = `
			SELECT q.activity_id, r.evaluation_status, r.evaluation_job_id, r.evaluation_error, a.ai_evaluation_enabled
			FROM responses r
			JOIN questions q ON q.id = r.question_id
			JOIN activities a ON a.id = q.activity_id
			WHERE r.id = $1`
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", evaluation.ErrInvalidPayload, ref.Kind)
	}

	e := evaluation.Entity{Ref: ref}
	var status string
	err := s.pool.QueryRow(ctx, query, ref.ID).Scan(&e.ActivityID, &status, &e.JobID, &e.LastError, &e.Eligible)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", ref, evaluation.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", ref, err)
	}
	e.Status = evaluation.Status(status)
	return &e, nil
}

// MarkEvaluating implements evaluation.EntityStore. The EXISTS guard keeps a
// late write from stamping a job that already finished.
func (s *Store) MarkEvaluating(ctx context.Context, ref evaluation.EntityRef, jobID uuid.UUID) error {
	table, err := entityTable(ref.Kind)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+table+` SET
			evaluation_status = 'evaluating',
			evaluation_job_id = $2,
			evaluation_error  = '',
			updated_at        = now()
		WHERE id = $1
		  AND evaluation_job_id IS DISTINCT FROM $2
		  AND EXISTS (
			SELECT 1 FROM job_queue
			WHERE id = $2 AND state IN ('waiting', 'active', 'paused')
		  )`,
		ref.ID, jobID,
	)
	if err != nil {
		return fmt.Errorf("mark %s evaluating: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return s.requireEntity(ctx, table, ref)
	}
	return nil
}

// CompleteEvaluation implements evaluation.EntityStore. The status flip and
// the result upsert commit together.
func (s *Store) CompleteEvaluation(ctx context.Context, ref evaluation.EntityRef, jobID uuid.UUID, res evaluation.Result) error {
	table, err := entityTable(ref.Kind)
	if err != nil {
		return err
	}
	dims := res.Dimensions
	if dims == nil {
		dims = map[string]float64{}
	}
	dimsJSON, err := json.Marshal(dims)
	if err != nil {
		return fmt.Errorf("encode dimensions: %w", err)
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := finishEntity(ctx, tx, table, ref, jobID, evaluation.StatusCompleted, ""); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO evaluation_results
				(entity_kind, entity_id, job_id, overall_score, dimensions, blooms_level, rationale, model, evaluated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (entity_kind, entity_id) DO UPDATE SET
				job_id        = EXCLUDED.job_id,
				overall_score = EXCLUDED.overall_score,
				dimensions    = EXCLUDED.dimensions,
				blooms_level  = EXCLUDED.blooms_level,
				rationale     = EXCLUDED.rationale,
				model         = EXCLUDED.model,
				evaluated_at  = EXCLUDED.evaluated_at`,
			string(ref.Kind), ref.ID, jobID, res.OverallScore, dimsJSON, res.BloomsLevel, res.Rationale, res.Model,
		)
		if err != nil {
			return fmt.Errorf("store result for %s: %w", ref, err)
		}
		return nil
	})
}

// FailEvaluation implements evaluation.EntityStore.
func (s *Store) FailEvaluation(ctx context.Context, ref evaluation.EntityRef, jobID uuid.UUID, reason string) error {
	table, err := entityTable(ref.Kind)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return finishEntity(ctx, tx, table, ref, jobID, evaluation.StatusError, reason)
	})
}

// finishEntity moves an entity out of evaluating. Only the job the entity is
// stamped with may do so.
func finishEntity(ctx context.Context, tx pgx.Tx, table string, ref evaluation.EntityRef, jobID uuid.UUID, to evaluation.Status, reason string) error {
	var from string
	err := tx.QueryRow(ctx, `SELECT evaluation_status FROM `+table+` WHERE id = $1 FOR UPDATE`, ref.ID).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("entity %s: %w", ref, evaluation.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", ref, err)
	}
	if err := evaluation.Transition(evaluation.Status(from), to); err != nil {
		return fmt.Errorf("%s: %w", ref, err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE `+table+` SET
			evaluation_status = $3,
			evaluation_error  = $4,
			updated_at        = now()
		WHERE id = $1
		  AND evaluation_status = 'evaluating'
		  AND evaluation_job_id = $2`,
		ref.ID, jobID, string(to), reason,
	)
	if err != nil {
		return fmt.Errorf("set %s %s: %w", ref, to, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is evaluating under another job", evaluation.ErrInvalidTransition, ref)
	}
	return nil
}

func (s *Store) requireEntity(ctx context.Context, table string, ref evaluation.EntityRef) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, ref.ID).Scan(&exists); err != nil {
		return fmt.Errorf("lookup %s: %w", ref, err)
	}
	if !exists {
		return fmt.Errorf("entity %s: %w", ref, evaluation.ErrNotFound)
	}
	return nil
}

// GetResult implements evaluation.EntityStore.
func (s *Store) GetResult(ctx context.Context, ref evaluation.EntityRef) (*evaluation.StoredResult, error) {
	var r evaluation.StoredResult
	var dims []byte
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, overall_score, dimensions, blooms_level, rationale, model, evaluated_at
		FROM evaluation_results
		WHERE entity_kind = $1 AND entity_id = $2`,
		string(ref.Kind), ref.ID,
	).Scan(&r.JobID, &r.Result.OverallScore, &dims, &r.Result.BloomsLevel, &r.Result.Rationale, &r.Result.Model, &r.EvaluatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result for %s: %w", ref, err)
	}
	if err := json.Unmarshal(dims, &r.Result.Dimensions); err != nil {
		return nil, fmt.Errorf("decode dimensions for %s: %w", ref, err)
	}
	if len(r.Result.Dimensions) == 0 {
		r.Result.Dimensions = nil
	}
	return &r, nil
}

// ListBackfillCandidates implements evaluation.EntityStore. Questions are
// listed before responses; within a kind, oldest first.
func (s *Store) ListBackfillCandidates(ctx context.Context, f evaluation.BackfillFilter, limit int) ([]evaluation.Candidate, error) {
	var out []evaluation.Candidate
	for _, kind := range evaluation.Kinds {
		if f.Kind != "" && f.Kind != kind {
			continue
		}
		remaining := limit - len(out)
		if remaining <= 0 {
			break
		}
		query, args, err := candidateQuery(kind, f.ActivityID, remaining).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build backfill query: %w", err)
		}
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("list %s candidates: %w", kind, err)
		}
		for rows.Next() {
			c := evaluation.Candidate{Ref: evaluation.EntityRef{Kind: kind}}
			if err := rows.Scan(&c.Ref.ID, &c.Content, &c.Context.ActivityName, &c.Context.GroupName,
				&c.Context.Subject, &c.Context.ReferenceMaterial, &c.Context.QuestionText); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s candidate: %w", kind, err)
			}
			out = append(out, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("list %s candidates: %w", kind, err)
		}
	}
	return out, nil
}

func candidateQuery(kind evaluation.Kind, activityID *uuid.UUID, limit int) sq.SelectBuilder {
	var b sq.SelectBuilder
	switch kind {
	case evaluation.KindResponse:
		b = psql.Select("r.id", "r.content", "a.name", "a.group_name", "a.subject", "a.reference_material", "q.content").
			From("responses r").
			Join("questions q ON q.id = r.question_id").
			Join("activities a ON a.id = q.activity_id").
			Where(sq.Eq{"r.evaluation_status": string(evaluation.StatusPending)}).
			OrderBy("r.created_at", "r.id")
	default:
		b = psql.Select("q.id", "q.content", "a.name", "a.group_name", "a.subject", "a.reference_material", "''").
			From("questions q").
			Join("activities a ON a.id = q.activity_id").
			Where(sq.Eq{"q.evaluation_status": string(evaluation.StatusPending)}).
			OrderBy("q.created_at", "q.id")
	}
	b = b.Where(sq.Eq{"a.ai_evaluation_enabled": true})
	if activityID != nil {
		b = b.Where(sq.Eq{"a.id": *activityID})
	}
	return b.Limit(uint64(limit)) //nolint:gosec // G115: limit is positive and capped by the backfiller
}

// Activity is the input to CreateActivity.
type Activity struct {
	Name                string
	GroupName           string
	Subject             string
	ReferenceMaterial   string
	AIEvaluationEnabled bool
}

// CreateActivity inserts an activity and returns its id.
func (s *Store) CreateActivity(ctx context.Context, a Activity) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO activities (name, group_name, subject, reference_material, ai_evaluation_enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		a.Name, a.GroupName, a.Subject, a.ReferenceMaterial, a.AIEvaluationEnabled,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create activity: %w", err)
	}
	return id, nil
}

// CreateQuestion inserts a pending question.
func (s *Store) CreateQuestion(ctx context.Context, activityID uuid.UUID, content string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO questions (activity_id, content) VALUES ($1, $2) RETURNING id`,
		activityID, content,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create question: %w", err)
	}
	return id, nil
}

// CreateResponse inserts a pending response.
func (s *Store) CreateResponse(ctx context.Context, questionID uuid.UUID, content string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO responses (question_id, content) VALUES ($1, $2) RETURNING id`,
		questionID, content,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create response: %w", err)
	}
	return id, nil
}
