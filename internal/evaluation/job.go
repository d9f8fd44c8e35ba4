package evaluation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobState is the queue-owned lifecycle state of a job.
type JobState string

// Job states. Delayed is a waiting job whose retry backoff has not elapsed;
// paused is a waiting job held back while the queue is paused.
const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
	StatePaused    JobState = "paused"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is a unit of queued work for one entity.
type Job struct {
	ID            uuid.UUID
	Kind          Kind
	EntityID      uuid.UUID
	Payload       json.RawMessage
	State         JobState
	Attempts      int
	MaxAttempts   int
	EnqueuedAt    time.Time
	LastAttemptAt *time.Time
	LastError     string
	RunAfter      time.Time
	LockedBy      string
}

// Ref returns the entity the job evaluates.
func (j *Job) Ref() EntityRef { return EntityRef{Kind: j.Kind, ID: j.EntityID} }

// Decode parses the stored payload into its typed variant.
func (j *Job) Decode() (Payload, error) { return DecodePayload(j.Kind, j.Payload) }

// LastAttempt reports whether a failure of the current attempt is final.
func (j *Job) LastAttempt() bool { return j.Attempts >= j.MaxAttempts }

// NewJob is the input to Queue.Enqueue.
type NewJob struct {
	Kind        Kind
	EntityID    uuid.UUID
	Payload     json.RawMessage
	MaxAttempts int
	LockKey     string
}

// Counts is the number of jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}

// ByState flattens c for per-state reporting.
func (c Counts) ByState() map[JobState]int64 {
	return map[JobState]int64{
		StateWaiting:   c.Waiting,
		StateActive:    c.Active,
		StateCompleted: c.Completed,
		StateFailed:    c.Failed,
		StateDelayed:   c.Delayed,
		StatePaused:    c.Paused,
	}
}

// StaleRecovery reports the outcome of a stale-lock sweep. Requeued jobs go
// back to waiting; Exhausted jobs had no attempts left and were failed.
type StaleRecovery struct {
	Requeued  int
	Exhausted []Job
}
