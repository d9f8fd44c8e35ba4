package evaluation

import "errors"

var (
	// ErrInvalidPayload means the request was rejected at enqueue time:
	// missing or oversized content, unknown kind, or a nil entity id. Never
	// retried.
	ErrInvalidPayload = errors.New("invalid evaluation payload")

	// ErrAlreadyInFlight marks a duplicate enqueue while the entity is
	// evaluating. The Producer resolves it to the existing job handle, so
	// callers only see it through JobHandle.Existing.
	ErrAlreadyInFlight = errors.New("evaluation already in flight")

	// ErrQueueUnavailable means the queue could not accept the job. Nothing
	// was written; the caller may retry.
	ErrQueueUnavailable = errors.New("evaluation queue unavailable")

	// ErrNotFound is returned for unknown entities and jobs.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status write does not start
	// from the state the state machine requires.
	ErrInvalidTransition = errors.New("invalid evaluation status transition")

	// ErrDuplicateJob is returned by Queue.Enqueue when a non-terminal job
	// with the same lock key already exists.
	ErrDuplicateJob = errors.New("job with the same lock key is in flight")

	// ErrJobNotActive is returned by Ack and Fail for a job the caller no
	// longer holds (already finished or reclaimed by stale recovery).
	ErrJobNotActive = errors.New("job is not active")
)
