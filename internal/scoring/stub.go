package scoring

import (
	"context"
	"maps"
	"time"

	"github.com/scarson/evalq/internal/evaluation"
)

// Func adapts a plain function to evaluation.Scorer.
type Func func(ctx context.Context, p evaluation.Payload) (*evaluation.Result, error)

// Score implements evaluation.Scorer.
func (f Func) Score(ctx context.Context, p evaluation.Payload) (*evaluation.Result, error) {
	return f(ctx, p)
}

// Static returns the same result for every payload after Delay. Used by the
// memory store dev mode and tests.
type Static struct {
	Result evaluation.Result
	Delay  time.Duration
}

// Score implements evaluation.Scorer.
func (s Static) Score(ctx context.Context, _ evaluation.Payload) (*evaluation.Result, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, Transient(ctx.Err())
		case <-t.C:
		}
	}
	res := s.Result
	res.Dimensions = maps.Clone(s.Result.Dimensions)
	return &res, nil
}
