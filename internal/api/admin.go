// ABOUTME: Operator-only admin endpoints: backfill, health, queue pause/resume, job diagnostics.
// ABOUTME: Every operation runs behind requireOperator.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/scarson/evalq/internal/evaluation"
	"github.com/scarson/evalq/internal/health"
)

func (srv *Server) registerAdminRoutes(api huma.API) {
	admin := func(op huma.Operation) huma.Operation {
		op.Tags = []string{"Admin"}
		op.Security = []map[string][]string{{"operatorJWT": {}}}
		op.Middlewares = huma.Middlewares{srv.requireOperator(api)}
		return op
	}

	huma.Register(api, admin(huma.Operation{
		OperationID: "run-backfill",
		Method:      http.MethodPost,
		Path:        "/admin/backfill",
		Summary:     "Backfill pending evaluations",
		Description: "Enqueues pending entities of AI-enabled activities that were never evaluated. Repeated runs do not re-enqueue evaluating or completed entities.",
	}), srv.backfillHandler)

	huma.Register(api, admin(huma.Operation{
		OperationID: "get-pipeline-health",
		Method:      http.MethodGet,
		Path:        "/admin/health",
		Summary:     "Pipeline health",
		Description: "Queue depth per state, store reachability, and worker liveness.",
	}), srv.healthHandler)

	huma.Register(api, admin(huma.Operation{
		OperationID:   "pause-queue",
		Method:        http.MethodPost,
		Path:          "/admin/queue/pause",
		Summary:       "Pause job claims",
		DefaultStatus: http.StatusNoContent,
	}), srv.pauseHandler)

	huma.Register(api, admin(huma.Operation{
		OperationID:   "resume-queue",
		Method:        http.MethodPost,
		Path:          "/admin/queue/resume",
		Summary:       "Resume job claims",
		DefaultStatus: http.StatusNoContent,
	}), srv.resumeHandler)

	huma.Register(api, admin(huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/admin/jobs/{job_id}",
		Summary:     "Job diagnostics",
	}), srv.getJobHandler)
}

// ── Backfill ──────────────────────────────────────────────────────────────────

// BackfillInput is the request for POST /admin/backfill.
type BackfillInput struct {
	Body struct {
		ActivityID *uuid.UUID `json:"activity_id,omitempty" doc:"Only entities under this activity"`
		Kind       string     `json:"kind,omitempty" doc:"Only this kind; all kinds when empty"`
		Limit      int        `json:"limit" doc:"Maximum items to enqueue; clamped to the configured maximum"`
	}
}

// BackfillItemError is one candidate that could not be queued.
type BackfillItemError struct {
	Kind     evaluation.Kind `json:"kind"`
	EntityID uuid.UUID       `json:"entity_id"`
	Reason   string          `json:"reason"`
}

// BackfillOutput is the response for POST /admin/backfill.
type BackfillOutput struct {
	Body struct {
		CandidateCount int                 `json:"candidate_count"`
		QueuedCount    int                 `json:"queued_count"`
		FailedCount    int                 `json:"failed_count"`
		SkippedCount   int                 `json:"skipped_count"`
		PerItemErrors  []BackfillItemError `json:"per_item_errors"`
	}
}

func (srv *Server) backfillHandler(ctx context.Context, input *BackfillInput) (*BackfillOutput, error) {
	filter := evaluation.BackfillFilter{ActivityID: input.Body.ActivityID}
	if input.Body.Kind != "" {
		kind, err := evaluation.ParseKind(input.Body.Kind)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		filter.Kind = kind
	}

	report, err := srv.deps.Backfiller.Run(ctx, filter, input.Body.Limit)
	if err != nil {
		if errors.Is(err, evaluation.ErrInvalidPayload) {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, fmt.Errorf("run backfill: %w", err)
	}
	slog.InfoContext(ctx, "backfill requested", "operator", operatorFrom(ctx),
		"queued", report.Queued, "failed", report.FailedToQueue, "skipped", report.Skipped)

	out := &BackfillOutput{}
	out.Body.CandidateCount = report.Candidates
	out.Body.QueuedCount = report.Queued
	out.Body.FailedCount = report.FailedToQueue
	out.Body.SkippedCount = report.Skipped
	out.Body.PerItemErrors = make([]BackfillItemError, 0, len(report.Errors))
	for _, e := range report.Errors {
		out.Body.PerItemErrors = append(out.Body.PerItemErrors, BackfillItemError{
			Kind:     e.Ref.Kind,
			EntityID: e.Ref.ID,
			Reason:   e.Reason,
		})
	}
	return out, nil
}

// ── Health ────────────────────────────────────────────────────────────────────

// HealthOutput is the response for GET /admin/health.
type HealthOutput struct {
	Body health.Report
}

func (srv *Server) healthHandler(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	return &HealthOutput{Body: srv.deps.Monitor.Check(ctx)}, nil
}

// ── Pause / resume ────────────────────────────────────────────────────────────

func (srv *Server) pauseHandler(ctx context.Context, _ *struct{}) (*struct{}, error) {
	if err := srv.deps.Queue.Pause(ctx); err != nil {
		return nil, fmt.Errorf("pause queue: %w", err)
	}
	slog.InfoContext(ctx, "queue paused", "operator", operatorFrom(ctx))
	return nil, nil
}

func (srv *Server) resumeHandler(ctx context.Context, _ *struct{}) (*struct{}, error) {
	if err := srv.deps.Queue.Resume(ctx); err != nil {
		return nil, fmt.Errorf("resume queue: %w", err)
	}
	slog.InfoContext(ctx, "queue resumed", "operator", operatorFrom(ctx))
	return nil, nil
}

// ── Job diagnostics ───────────────────────────────────────────────────────────

// GetJobInput is the request for GET /admin/jobs/{job_id}.
type GetJobInput struct {
	JobID uuid.UUID `path:"job_id"`
}

// JobBody is the diagnostic view of a queued job. The payload is omitted.
type JobBody struct {
	ID            uuid.UUID           `json:"id"`
	Kind          evaluation.Kind     `json:"kind"`
	EntityID      uuid.UUID           `json:"entity_id"`
	State         evaluation.JobState `json:"state"`
	Attempts      int                 `json:"attempts"`
	MaxAttempts   int                 `json:"max_attempts"`
	EnqueuedAt    time.Time           `json:"enqueued_at"`
	LastAttemptAt *time.Time          `json:"last_attempt_at,omitempty"`
	RunAfter      time.Time           `json:"run_after"`
	LastError     string              `json:"last_error,omitempty"`
	LockedBy      string              `json:"locked_by,omitempty"`
}

// GetJobOutput is the response for GET /admin/jobs/{job_id}.
type GetJobOutput struct {
	Body *JobBody
}

func (srv *Server) getJobHandler(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
	job, err := srv.deps.Queue.Get(ctx, input.JobID)
	if err != nil {
		if errors.Is(err, evaluation.ErrNotFound) {
			return nil, huma.Error404NotFound("job not found")
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &GetJobOutput{Body: &JobBody{
		ID:            job.ID,
		Kind:          job.Kind,
		EntityID:      job.EntityID,
		State:         job.State,
		Attempts:      job.Attempts,
		MaxAttempts:   job.MaxAttempts,
		EnqueuedAt:    job.EnqueuedAt,
		LastAttemptAt: job.LastAttemptAt,
		RunAfter:      job.RunAfter,
		LastError:     job.LastError,
		LockedBy:      job.LockedBy,
	}}, nil
}
