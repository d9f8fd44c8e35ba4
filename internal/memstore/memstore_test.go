package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/evalq/internal/evaluation"
	"github.com/scarson/evalq/internal/memstore"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newJob() evaluation.NewJob {
	ref := evaluation.EntityRef{Kind: evaluation.KindQuestion, ID: uuid.New()}
	return evaluation.NewJob{
		Kind:        ref.Kind,
		EntityID:    ref.ID,
		Payload:     []byte(`{}`),
		MaxAttempts: 3,
		LockKey:     ref.LockKey(),
	}
}

func TestClaim_FIFOAndRunAfter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := memstore.New()
	s.SetClock(c.now)

	first, err := s.Enqueue(ctx, newJob())
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, newJob())
	require.NoError(t, err)

	job, err := s.Claim(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first, job.ID)
	assert.Equal(t, 1, job.Attempts)

	state, err := s.Fail(ctx, first, "HTTP 429", true, c.t.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, evaluation.StateWaiting, state)

	got, err := s.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StateDelayed, got.State)

	job, err = s.Claim(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, second, job.ID, "delayed job must not be claimed before run_after")

	c.t = c.t.Add(2 * time.Minute)
	job, err = s.Claim(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first, job.ID)
	assert.Equal(t, 2, job.Attempts)
}

func TestRetryWhilePausedLandsPaused(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	id, err := s.Enqueue(ctx, newJob())
	require.NoError(t, err)
	_, err = s.Claim(ctx, "w")
	require.NoError(t, err)

	require.NoError(t, s.Pause(ctx))
	state, err := s.Fail(ctx, id, "timeout", true, time.Now())
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatePaused, state)

	job, err := s.Claim(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, s.Resume(ctx))
	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Waiting)
}

func TestRecoverStale_RequeuesAndExhausts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := &clock{t: time.Now()}
	s := memstore.New()
	s.SetClock(c.now)

	requeue, err := s.Enqueue(ctx, newJob())
	require.NoError(t, err)
	nj := newJob()
	nj.MaxAttempts = 1
	exhaust, err := s.Enqueue(ctx, nj)
	require.NoError(t, err)
	for range 2 {
		_, err := s.Claim(ctx, "dead")
		require.NoError(t, err)
	}

	c.t = c.t.Add(10 * time.Minute)
	rec, err := s.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Requeued)
	require.Len(t, rec.Exhausted, 1)
	assert.Equal(t, exhaust, rec.Exhausted[0].ID)

	got, err := s.Get(ctx, requeue)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StateWaiting, got.State)
	assert.Empty(t, got.LockedBy)

	// The exhausted job no longer holds its lock key.
	_, ok, err := s.InFlight(ctx, nj.LockKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEntityGuards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	act := s.AddActivity(memstore.Activity{Name: "a", AIEvaluationEnabled: true})
	ref := evaluation.EntityRef{Kind: evaluation.KindQuestion, ID: s.AddQuestion(act, "q")}

	nj := newJob()
	nj.EntityID = ref.ID
	nj.LockKey = ref.LockKey()
	id, err := s.Enqueue(ctx, nj)
	require.NoError(t, err)

	res := evaluation.Result{OverallScore: 6, BloomsLevel: "apply"}
	err = s.CompleteEvaluation(ctx, ref, id, res)
	require.ErrorIs(t, err, evaluation.ErrInvalidTransition)

	require.NoError(t, s.MarkEvaluating(ctx, ref, id))
	require.ErrorIs(t, s.CompleteEvaluation(ctx, ref, uuid.New(), res), evaluation.ErrInvalidTransition)
	require.NoError(t, s.CompleteEvaluation(ctx, ref, id, res))

	stored, err := s.GetResult(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.InDelta(t, 6.0, stored.Result.OverallScore, 0.001)

	_, err = s.GetEntity(ctx, evaluation.EntityRef{Kind: evaluation.KindResponse, ID: uuid.New()})
	assert.ErrorIs(t, err, evaluation.ErrNotFound)
}

func TestSetUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	down := errors.New("connection refused")
	s.SetUnavailable(down)

	_, err := s.Enqueue(ctx, newJob())
	assert.ErrorIs(t, err, down)
	assert.ErrorIs(t, s.Ping(ctx), down)

	s.SetUnavailable(nil)
	_, err = s.Enqueue(ctx, newJob())
	assert.NoError(t, err)
}

func TestRecoverStale_WhilePausedStaysPaused(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := &clock{t: time.Now()}
	s := memstore.New()
	s.SetClock(c.now)

	id, err := s.Enqueue(ctx, newJob())
	require.NoError(t, err)
	_, err = s.Claim(ctx, "dead")
	require.NoError(t, err)
	require.NoError(t, s.Pause(ctx))

	c.t = c.t.Add(10 * time.Minute)
	rec, err := s.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Requeued)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatePaused, got.State)
	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Paused)
	assert.Zero(t, counts.Waiting)

	job, err := s.Claim(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, job)
}
