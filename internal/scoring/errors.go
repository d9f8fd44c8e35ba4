// Package scoring calls the language model that grades questions and
// responses, and classifies its failures for the worker pool's retry policy.
package scoring

import (
	"context"
	"errors"

	"github.com/scarson/evalq/internal/evaluation"
)

// TransientError marks a failure worth retrying: timeouts, rate limits,
// 5xx responses and network errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient scoring failure: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not succeed on retry. Reason is
// short and safe to show to operators and clients.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent scoring failure: " + e.Reason
	}
	return "permanent scoring failure: " + e.Reason + ": " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as terminal with an operator-facing reason.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// Class is the retry classification of a scoring failure.
type Class int

// Failure classes.
const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Classify decides whether err should be retried. Explicitly wrapped errors
// win and payload decode failures are permanent. Anything else, including
// deadlines and network errors, is transient and bounded by the attempt cap.
func Classify(err error) Class {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return ClassTransient
	}
	if errors.Is(err, evaluation.ErrInvalidPayload) {
		return ClassPermanent
	}
	return ClassTransient
}

// Reason returns a short description of err suitable for the entity's
// last_error column. Provider error bodies are not copied verbatim.
func Reason(err error) string {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return perm.Reason
	}
	if errors.Is(err, evaluation.ErrInvalidPayload) {
		return "invalid job payload"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "scoring timed out"
	}
	return "scoring service unavailable"
}
