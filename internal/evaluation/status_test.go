package evaluation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/evalq/internal/evaluation"
	"github.com/scarson/evalq/internal/memstore"
)

func TestTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to evaluation.Status
		ok       bool
	}{
		{evaluation.StatusPending, evaluation.StatusEvaluating, true},
		{evaluation.StatusCompleted, evaluation.StatusEvaluating, true},
		{evaluation.StatusError, evaluation.StatusEvaluating, true},
		{evaluation.StatusEvaluating, evaluation.StatusEvaluating, true},
		{evaluation.StatusEvaluating, evaluation.StatusCompleted, true},
		{evaluation.StatusEvaluating, evaluation.StatusError, true},
		{evaluation.StatusPending, evaluation.StatusCompleted, false},
		{evaluation.StatusPending, evaluation.StatusError, false},
		{evaluation.StatusCompleted, evaluation.StatusError, false},
		{evaluation.StatusError, evaluation.StatusCompleted, false},
		{evaluation.StatusEvaluating, evaluation.StatusPending, false},
		{evaluation.StatusCompleted, evaluation.StatusPending, false},
	}
	for _, tc := range tests {
		err := evaluation.Transition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, evaluation.ErrInvalidTransition) {
			t.Errorf("%s -> %s: got %v, want ErrInvalidTransition", tc.from, tc.to, err)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()
	assert.False(t, evaluation.StatusPending.Terminal())
	assert.False(t, evaluation.StatusEvaluating.Terminal())
	assert.True(t, evaluation.StatusCompleted.Terminal())
	assert.True(t, evaluation.StatusError.Terminal())
}

func TestTracker_Status(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ms := memstore.New()
	act := ms.AddActivity(memstore.Activity{Name: "Week 3", AIEvaluationEnabled: true})
	qid := ms.AddQuestion(act, "Why does ice float?")
	ref := evaluation.EntityRef{Kind: evaluation.KindQuestion, ID: qid}
	tracker := evaluation.NewTracker(ms)

	view, err := tracker.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusPending, view.Status)
	assert.Nil(t, view.JobID)
	assert.Nil(t, view.Result)

	p := evaluation.NewProducer(ms, ms, evaluation.ProducerConfig{})
	h, err := p.Enqueue(ctx, evaluation.Request{Kind: ref.Kind, EntityID: qid, Content: "Why does ice float?"})
	require.NoError(t, err)

	view, err = tracker.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusEvaluating, view.Status)
	require.NotNil(t, view.JobID)
	assert.Equal(t, h.JobID, *view.JobID)

	_, err = ms.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, ms.CompleteEvaluation(ctx, ref, h.JobID, evaluation.Result{OverallScore: 7.5, BloomsLevel: "apply"}))

	view, err = tracker.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusCompleted, view.Status)
	require.NotNil(t, view.Result)
	assert.InDelta(t, 7.5, view.Result.OverallScore, 0.0001)
	assert.NotNil(t, view.EvaluatedAt)
}

func TestTracker_StatusUnknownEntity(t *testing.T) {
	t.Parallel()
	tracker := evaluation.NewTracker(memstore.New())
	_, err := tracker.Status(context.Background(), evaluation.EntityRef{Kind: evaluation.KindResponse, ID: uuid.New()})
	assert.ErrorIs(t, err, evaluation.ErrNotFound)
}

func TestCompleteRequiresEvaluating(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ms := memstore.New()
	act := ms.AddActivity(memstore.Activity{AIEvaluationEnabled: true})
	qid := ms.AddQuestion(act, "q")
	ref := evaluation.EntityRef{Kind: evaluation.KindQuestion, ID: qid}

	err := ms.CompleteEvaluation(ctx, ref, uuid.New(), evaluation.Result{OverallScore: 1})
	require.ErrorIs(t, err, evaluation.ErrInvalidTransition)

	ent, err := ms.GetEntity(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusPending, ent.Status)
}
