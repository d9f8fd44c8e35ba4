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
)

// queueRetryAfter is the Retry-After hint, in seconds, sent with a 503 when
// the queue cannot accept work.
const queueRetryAfter = "5"

// registerEvaluationRoutes wires up the public evaluation endpoints.
//
//	POST /evaluations                     enqueue (202)
//	GET  /evaluations/{kind}/{entity_id}  poll status
func (srv *Server) registerEvaluationRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-evaluation",
		Method:        http.MethodPost,
		Path:          "/evaluations",
		Summary:       "Request an evaluation",
		Description:   "Queues an AI evaluation for a question or response and returns immediately. A request for an entity that is already evaluating returns the in-flight job.",
		Tags:          []string{"Evaluations"},
		DefaultStatus: http.StatusAccepted,
		Middlewares:   huma.Middlewares{srv.rateLimit(api)},
	}, srv.enqueueHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-evaluation-status",
		Method:      http.MethodGet,
		Path:        "/evaluations/{kind}/{entity_id}",
		Summary:     "Get evaluation status",
		Description: "Returns the entity's evaluation status, its result once completed, and the failure reason on error.",
		Tags:        []string{"Evaluations"},
	}, srv.statusHandler)
}

// ── Request / response types ──────────────────────────────────────────────────

// EvaluationContext is the optional metadata forwarded to the scorer.
type EvaluationContext struct {
	ActivityName      string `json:"activity_name,omitempty" maxLength:"200"`
	GroupName         string `json:"group_name,omitempty" maxLength:"200"`
	Subject           string `json:"subject,omitempty" maxLength:"200"`
	ReferenceMaterial string `json:"reference_material,omitempty"`
	QuestionText      string `json:"question_text,omitempty" doc:"The question a response answers"`
}

// EnqueueInput is the request for POST /evaluations.
type EnqueueInput struct {
	Body struct {
		Kind     string            `json:"kind,omitempty" doc:"question_evaluation or response_evaluation (short forms question, response accepted)"`
		EntityID uuid.UUID         `json:"entity_id,omitempty" doc:"ID of the question or response"`
		Content  string            `json:"content,omitempty" doc:"Text to evaluate"`
		Context  EvaluationContext `json:"context,omitempty"`
	}
}

// EnqueueOutput is the 202 response for POST /evaluations.
type EnqueueOutput struct {
	Body struct {
		JobID    uuid.UUID `json:"job_id"`
		Existing bool      `json:"existing" doc:"True when the request joined an evaluation already in flight"`
	}
}

// StatusInput is the request for GET /evaluations/{kind}/{entity_id}.
type StatusInput struct {
	Kind     string    `path:"kind" doc:"question_evaluation or response_evaluation"`
	EntityID uuid.UUID `path:"entity_id"`
}

// StatusBody is the polling contract: status always, result when completed,
// last_error when errored.
type StatusBody struct {
	Status      evaluation.Status  `json:"status" enum:"pending,evaluating,completed,error"`
	JobID       *uuid.UUID         `json:"job_id,omitempty"`
	Result      *evaluation.Result `json:"result,omitempty"`
	EvaluatedAt *time.Time         `json:"evaluated_at,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
}

// StatusOutput is the response for GET /evaluations/{kind}/{entity_id}.
type StatusOutput struct {
	Body *StatusBody
}

func (srv *Server) enqueueHandler(ctx context.Context, input *EnqueueInput) (*EnqueueOutput, error) {
	kind, err := evaluation.ParseKind(input.Body.Kind)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	c := input.Body.Context
	handle, err := srv.deps.Producer.Enqueue(ctx, evaluation.Request{
		Kind:     kind,
		EntityID: input.Body.EntityID,
		Content:  input.Body.Content,
		Context: evaluation.Context{
			ActivityName:      c.ActivityName,
			GroupName:         c.GroupName,
			Subject:           c.Subject,
			ReferenceMaterial: c.ReferenceMaterial,
			QuestionText:      c.QuestionText,
		},
	})
	if err != nil {
		return nil, enqueueError(ctx, err)
	}

	out := &EnqueueOutput{}
	out.Body.JobID = handle.JobID
	out.Body.Existing = handle.Existing
	return out, nil
}

func enqueueError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, evaluation.ErrInvalidPayload):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, evaluation.ErrNotFound):
		return huma.Error404NotFound("entity not found")
	case errors.Is(err, evaluation.ErrQueueUnavailable):
		slog.WarnContext(ctx, "enqueue rejected, queue unavailable", "error", err)
		return huma.ErrorWithHeaders(
			huma.Error503ServiceUnavailable("evaluation queue unavailable, retry later"),
			http.Header{"Retry-After": {queueRetryAfter}},
		)
	}
	return fmt.Errorf("enqueue evaluation: %w", err)
}

func (srv *Server) statusHandler(ctx context.Context, input *StatusInput) (*StatusOutput, error) {
	kind, err := evaluation.ParseKind(input.Kind)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	view, err := srv.deps.Tracker.Status(ctx, evaluation.EntityRef{Kind: kind, ID: input.EntityID})
	if err != nil {
		if errors.Is(err, evaluation.ErrNotFound) {
			return nil, huma.Error404NotFound("entity not found")
		}
		return nil, fmt.Errorf("get evaluation status: %w", err)
	}
	return &StatusOutput{Body: &StatusBody{
		Status:      view.Status,
		JobID:       view.JobID,
		Result:      view.Result,
		EvaluatedAt: view.EvaluatedAt,
		LastError:   view.LastError,
	}}, nil
}
