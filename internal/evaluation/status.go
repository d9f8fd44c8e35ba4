package evaluation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the per-entity evaluation progress read by polling clients.
type Status string

// Evaluation statuses.
const (
	StatusPending    Status = "pending"
	StatusEvaluating Status = "evaluating"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether a poller should stop on s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Transition validates a status write from one state to another.
//
//	pending|completed|error|evaluating -> evaluating
//	evaluating -> completed|error
//
// Anything else, notably pending -> completed, returns ErrInvalidTransition.
func Transition(from, to Status) error {
	switch to {
	case StatusEvaluating:
		switch from {
		case StatusPending, StatusEvaluating, StatusCompleted, StatusError:
			return nil
		}
	case StatusCompleted, StatusError:
		if from == StatusEvaluating {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Result is the structured output of one scoring call. Immutable once
// stored; a re-evaluation replaces it together with the completed flip.
type Result struct {
	OverallScore float64            `json:"overall_score"`
	Dimensions   map[string]float64 `json:"dimensions,omitempty"`
	BloomsLevel  string             `json:"blooms_level,omitempty"`
	Rationale    string             `json:"rationale,omitempty"`
	Model        string             `json:"model,omitempty"`
}

// Entity is the evaluation-relevant slice of a question or response row.
type Entity struct {
	Ref        EntityRef
	ActivityID uuid.UUID
	Status     Status
	JobID      uuid.NullUUID
	LastError  string
	// Eligible mirrors the parent activity's AI-evaluation feature flag.
	Eligible bool
}

// StatusView is what a polling client receives.
type StatusView struct {
	Ref         EntityRef
	Status      Status
	JobID       *uuid.UUID
	Result      *Result
	EvaluatedAt *time.Time
	LastError   string
}

// Tracker serves status reads. Writes happen inside the Producer and worker
// paths through EntityStore's conditional updates.
type Tracker struct {
	entities EntityStore
}

// NewTracker returns a Tracker reading from entities.
func NewTracker(entities EntityStore) *Tracker {
	return &Tracker{entities: entities}
}

// Status returns the entity's current status, the stored result when
// completed, and the failure reason when errored.
func (t *Tracker) Status(ctx context.Context, ref EntityRef) (StatusView, error) {
	ent, err := t.entities.GetEntity(ctx, ref)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{Ref: ref, Status: ent.Status}
	if ent.JobID.Valid {
		id := ent.JobID.UUID
		view.JobID = &id
	}
	switch ent.Status {
	case StatusCompleted:
		stored, err := t.entities.GetResult(ctx, ref)
		if err != nil {
			return StatusView{}, fmt.Errorf("load result for %s: %w", ref, err)
		}
		if stored != nil {
			view.Result = &stored.Result
			view.EvaluatedAt = &stored.EvaluatedAt
		}
	case StatusError:
		view.LastError = ent.LastError
	}
	return view, nil
}
