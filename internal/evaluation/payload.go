// Package evaluation holds the AI-evaluation pipeline's domain: job kinds and
// their payloads, the per-entity status state machine, the Producer that turns
// evaluation requests into queued jobs, and the Backfiller that feeds the
// Producer in bulk.
//
// Persistence is reached only through the [Queue] and [EntityStore]
// interfaces. The Postgres implementation lives in internal/store; an
// in-memory one lives in internal/memstore.
package evaluation

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies what is being evaluated. It doubles as the job type stored
// in the queue.
type Kind string

// Evaluation kinds.
const (
	KindQuestion Kind = "question_evaluation"
	KindResponse Kind = "response_evaluation"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindQuestion, KindResponse}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindQuestion, KindResponse:
		return true
	}
	return false
}

// ParseKind converts a wire string to a Kind. The short forms "question" and
// "response" are accepted alongside the canonical names.
func ParseKind(s string) (Kind, error) {
	switch s {
	case string(KindQuestion), "question":
		return KindQuestion, nil
	case string(KindResponse), "response":
		return KindResponse, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, s)
}

// EntityRef addresses one evaluable entity.
type EntityRef struct {
	Kind Kind
	ID   uuid.UUID
}

// LockKey is the queue's in-flight key for the entity. At most one
// non-terminal job may carry a given key.
func (r EntityRef) LockKey() string {
	return string(r.Kind) + ":" + r.ID.String()
}

func (r EntityRef) String() string { return r.LockKey() }

// Context is the metadata sent to the scoring service alongside the content.
type Context struct {
	ActivityName      string `json:"activity_name,omitempty"`
	GroupName         string `json:"group_name,omitempty"`
	Subject           string `json:"subject,omitempty"`
	ReferenceMaterial string `json:"reference_material,omitempty"`
	// QuestionText is the prompt a response answers. Responses only.
	QuestionText string `json:"question_text,omitempty"`
}

// Payload is the kind-specific body of a job. The set of implementations is
// closed: QuestionPayload and ResponsePayload.
type Payload interface {
	Kind() Kind
	Ref() EntityRef
	Text() string
	isPayload()
}

// QuestionPayload asks for a quality score of a question.
type QuestionPayload struct {
	QuestionID uuid.UUID `json:"question_id"`
	Content    string    `json:"content"`
	Context    Context   `json:"context"`
}

func (QuestionPayload) Kind() Kind { return KindQuestion }
func (p QuestionPayload) Ref() EntityRef { return EntityRef{Kind: KindQuestion, ID: p.QuestionID} }
func (p QuestionPayload) Text() string { return p.Content }
func (QuestionPayload) isPayload() {}

// ResponsePayload asks for a quality score of a learner's response.
type ResponsePayload struct {
	ResponseID uuid.UUID `json:"response_id"`
	Content    string    `json:"content"`
	Context    Context   `json:"context"`
}

func (ResponsePayload) Kind() Kind { return KindResponse }
func (p ResponsePayload) Ref() EntityRef { return EntityRef{Kind: KindResponse, ID: p.ResponseID} }
func (p ResponsePayload) Text() string { return p.Content }
func (ResponsePayload) isPayload() {}

// NewPayload builds the payload variant for kind.
func NewPayload(kind Kind, entityID uuid.UUID, content string, c Context) (Payload, error) {
	switch kind {
	case KindQuestion:
		return QuestionPayload{QuestionID: entityID, Content: content, Context: c}, nil
	case KindResponse:
		return ResponsePayload{ResponseID: entityID, Content: content, Context: c}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
}

// EncodePayload serializes p for storage in the queue.
func EncodePayload(p Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return b, nil
}

// DecodePayload parses a stored payload according to kind.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindQuestion:
		var p QuestionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindResponse:
		var p ResponsePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("decode payload: unknown kind %q", kind)
}
