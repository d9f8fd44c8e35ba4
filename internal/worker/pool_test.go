package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/evalq/internal/evaluation"
	"github.com/scarson/evalq/internal/events"
	"github.com/scarson/evalq/internal/memstore"
	"github.com/scarson/evalq/internal/poll"
	"github.com/scarson/evalq/internal/scoring"
	"github.com/scarson/evalq/internal/worker"
)

func fastConfig() worker.Config {
	return worker.Config{
		Concurrency:        4,
		PollInterval:       10 * time.Millisecond,
		StaleCheckInterval: time.Hour,
		ScoreTimeout:       time.Second,
		BackoffBase:        time.Millisecond,
		BackoffMax:         5 * time.Millisecond,
	}
}

type fixture struct {
	ms       *memstore.Store
	producer *evaluation.Producer
	activity uuid.UUID
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	ms := memstore.New()
	return &fixture{
		ms:       ms,
		producer: evaluation.NewProducer(ms, ms, evaluation.ProducerConfig{MaxAttempts: maxAttempts}),
		activity: ms.AddActivity(memstore.Activity{Name: "Plants", AIEvaluationEnabled: true}),
	}
}

func (f *fixture) enqueueQuestion(t *testing.T, content string) (evaluation.EntityRef, uuid.UUID) {
	t.Helper()
	id := f.ms.AddQuestion(f.activity, content)
	ref := evaluation.EntityRef{Kind: evaluation.KindQuestion, ID: id}
	h, err := f.producer.Enqueue(context.Background(), evaluation.Request{Kind: ref.Kind, EntityID: id, Content: content})
	require.NoError(t, err)
	return ref, h.JobID
}

func startPool(t *testing.T, p *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func entityStatus(t *testing.T, ms *memstore.Store, ref evaluation.EntityRef) evaluation.Status {
	t.Helper()
	ent, err := ms.GetEntity(context.Background(), ref)
	require.NoError(t, err)
	return ent.Status
}

func TestPool_EndToEndQuestionEvaluation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	stub := evaluation.Result{OverallScore: 8.2, BloomsLevel: "analyze"}
	p := worker.New(f.ms, f.ms, scoring.Static{Result: stub, Delay: 50 * time.Millisecond}, fastConfig())
	f.producer.OnEnqueue(p.Wake)
	rec := &events.Recorder{}
	p.SetPublisher(rec)
	startPool(t, p)

	ref, jobID := f.enqueueQuestion(t, "Why does photosynthesis require light?")

	tracker := evaluation.NewTracker(f.ms)
	view, err := poll.Until(context.Background(), func(ctx context.Context) (evaluation.StatusView, error) {
		return tracker.Status(ctx, ref)
	}, poll.Options{Interval: 10 * time.Millisecond, MaxDuration: 5 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, evaluation.StatusCompleted, view.Status)
	require.NotNil(t, view.Result)
	assert.Equal(t, stub, *view.Result)
	assert.Empty(t, view.LastError)

	job, err := f.ms.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StateCompleted, job.State)
	assert.Equal(t, 1, job.Attempts)

	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, time.Second, 5*time.Millisecond)
	e := rec.Events()[0]
	assert.Equal(t, events.Completed, e.Type)
	assert.Equal(t, jobID, e.JobID)
}

func TestPool_NoDoubleClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	var mu sync.Mutex
	calls := make(map[uuid.UUID]int)
	scorer := scoring.Func(func(_ context.Context, p evaluation.Payload) (*evaluation.Result, error) {
		mu.Lock()
		calls[p.Ref().ID]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return &evaluation.Result{OverallScore: 5}, nil
	})

	const jobs = 60
	refs := make([]evaluation.EntityRef, 0, jobs)
	ids := make([]uuid.UUID, 0, jobs)
	for range jobs {
		ref, id := f.enqueueQuestion(t, "question")
		refs = append(refs, ref)
		ids = append(ids, id)
	}

	cfg := fastConfig()
	cfg.Concurrency = 8
	// Two pools against one store stand in for two worker processes.
	startPool(t, worker.New(f.ms, f.ms, scorer, cfg))
	startPool(t, worker.New(f.ms, f.ms, scorer, cfg))

	require.Eventually(t, func() bool {
		c, err := f.ms.Counts(context.Background())
		return err == nil && c.Completed == jobs
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, ref := range refs {
		assert.Equal(t, 1, calls[ref.ID], "entity %s scored more than once", ref)
		assert.Equal(t, 1, f.ms.Acks(ids[i]))
		assert.Equal(t, evaluation.StatusCompleted, entityStatus(t, f.ms, ref))
	}
}

func TestPool_TransientFailuresAreBounded(t *testing.T) {
	t.Parallel()
	const maxAttempts = 3
	f := newFixture(t, maxAttempts)

	var calls atomic.Int32
	scorer := scoring.Func(func(context.Context, evaluation.Payload) (*evaluation.Result, error) {
		calls.Add(1)
		return nil, scoring.Transient(errors.New("HTTP 503"))
	})
	p := worker.New(f.ms, f.ms, scorer, fastConfig())
	rec := &events.Recorder{}
	p.SetPublisher(rec)

	ref, jobID := f.enqueueQuestion(t, "question")
	startPool(t, p)

	require.Eventually(t, func() bool {
		job, err := f.ms.Get(context.Background(), jobID)
		return err == nil && job.State == evaluation.StateFailed
	}, 5*time.Second, 5*time.Millisecond)

	// Give a buggy extra attempt time to show up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(maxAttempts), calls.Load())

	ent, err := f.ms.GetEntity(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusError, ent.Status)
	assert.Equal(t, "scoring service unavailable after 3 attempts", ent.LastError)

	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, events.Failed, rec.Events()[0].Type)
}

func TestPool_TransientThenSuccessStaysEvaluating(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5)

	var calls atomic.Int32
	release := make(chan struct{})
	scorer := scoring.Func(func(context.Context, evaluation.Payload) (*evaluation.Result, error) {
		if calls.Add(1) == 1 {
			return nil, scoring.Transient(context.DeadlineExceeded)
		}
		<-release
		return &evaluation.Result{OverallScore: 6}, nil
	})
	cfg := fastConfig()
	cfg.Concurrency = 1
	p := worker.New(f.ms, f.ms, scorer, cfg)

	ref, _ := f.enqueueQuestion(t, "question")
	startPool(t, p)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	// Between the failed first attempt and the second one finishing, the
	// client still sees evaluating.
	assert.Equal(t, evaluation.StatusEvaluating, entityStatus(t, f.ms, ref))
	close(release)

	require.Eventually(t, func() bool {
		return entityStatus(t, f.ms, ref) == evaluation.StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPool_PermanentFailureIsImmediate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5)

	var calls atomic.Int32
	scorer := scoring.Func(func(context.Context, evaluation.Payload) (*evaluation.Result, error) {
		calls.Add(1)
		return nil, scoring.Permanent("content rejected by safety policy", errors.New("blocked"))
	})
	p := worker.New(f.ms, f.ms, scorer, fastConfig())

	ref, jobID := f.enqueueQuestion(t, "question")
	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, int32(1), calls.Load())
	ent, err := f.ms.GetEntity(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusError, ent.Status)
	assert.Equal(t, "content rejected by safety policy", ent.LastError)

	job, err := f.ms.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StateFailed, job.State)
	assert.Equal(t, 1, job.Attempts)
}

func TestPool_RunOnceEmptyQueue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	p := worker.New(f.ms, f.ms, scoring.Static{}, fastConfig())

	before := time.Now()
	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, p.LastClaimAt().Before(before), "claim attempt should update LastClaimAt")
}

func TestPool_RecoverStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 2)
	now := time.Now()
	f.ms.SetClock(func() time.Time { return now })

	refA, jobA := f.enqueueQuestion(t, "a")
	refB, jobB := f.enqueueQuestion(t, "b")

	// A worker that died mid-job: first claim of both, then a second claim
	// of B after a requeue so B has no attempts left.
	_, err := f.ms.Claim(ctx, "dead-worker")
	require.NoError(t, err)
	_, err = f.ms.Claim(ctx, "dead-worker")
	require.NoError(t, err)
	_, err = f.ms.Fail(ctx, jobB, "HTTP 503", true, now)
	require.NoError(t, err)
	claimed, err := f.ms.Claim(ctx, "dead-worker")
	require.NoError(t, err)
	require.Equal(t, jobB, claimed.ID)
	require.Equal(t, 2, claimed.Attempts)

	cfg := fastConfig()
	cfg.LeaseTimeout = time.Minute
	p := worker.New(f.ms, f.ms, scoring.Static{}, cfg)

	rec, err := p.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, rec.Requeued, "nothing is stale yet")

	now = now.Add(2 * time.Minute)
	rec, err = p.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Requeued)
	require.Len(t, rec.Exhausted, 1)

	a, err := f.ms.Get(ctx, jobA)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StateWaiting, a.State)
	assert.Equal(t, evaluation.StatusEvaluating, entityStatus(t, f.ms, refA))

	b, err := f.ms.Get(ctx, jobB)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StateFailed, b.State)
	assert.Equal(t, evaluation.StatusError, entityStatus(t, f.ms, refB))
}

func TestPool_ShutdownFinishesInFlightJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	started := make(chan struct{})
	scorer := scoring.Func(func(ctx context.Context, _ evaluation.Payload) (*evaluation.Result, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &evaluation.Result{OverallScore: 4}, nil
	})
	cfg := fastConfig()
	cfg.Concurrency = 1
	p := worker.New(f.ms, f.ms, scorer, cfg)
	ref, _ := f.enqueueQuestion(t, "question")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	<-started
	cancel()
	<-done

	assert.Equal(t, evaluation.StatusCompleted, entityStatus(t, f.ms, ref))
}

func TestPool_ScoreTimeoutRetriesAreBounded(t *testing.T) {
	t.Parallel()
	const maxAttempts = 3
	f := newFixture(t, maxAttempts)

	var calls atomic.Int32
	scorer := scoring.Func(func(ctx context.Context, _ evaluation.Payload) (*evaluation.Result, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := fastConfig()
	cfg.ScoreTimeout = 20 * time.Millisecond
	p := worker.New(f.ms, f.ms, scorer, cfg)

	ref, jobID := f.enqueueQuestion(t, "question")
	startPool(t, p)

	require.Eventually(t, func() bool {
		job, err := f.ms.Get(context.Background(), jobID)
		return err == nil && job.State == evaluation.StateFailed
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(maxAttempts), calls.Load())

	ent, err := f.ms.GetEntity(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusError, ent.Status)
	assert.Equal(t, "scoring timed out after 3 attempts", ent.LastError)
}

// statusLog wraps an EntityStore and records the entity status after every
// write, so the full sequence of statuses can be checked.
type statusLog struct {
	*memstore.Store
	ref evaluation.EntityRef

	mu  sync.Mutex
	seq []evaluation.Status
}

func (l *statusLog) record(err error) error {
	if err != nil {
		return err
	}
	ent, gerr := l.Store.GetEntity(context.Background(), l.ref)
	if gerr != nil {
		return gerr
	}
	if n := len(l.seq); n == 0 || l.seq[n-1] != ent.Status {
		l.seq = append(l.seq, ent.Status)
	}
	return nil
}

func (l *statusLog) MarkEvaluating(ctx context.Context, ref evaluation.EntityRef, jobID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record(l.Store.MarkEvaluating(ctx, ref, jobID))
}

func (l *statusLog) CompleteEvaluation(ctx context.Context, ref evaluation.EntityRef, jobID uuid.UUID, res evaluation.Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record(l.Store.CompleteEvaluation(ctx, ref, jobID, res))
}

func (l *statusLog) FailEvaluation(ctx context.Context, ref evaluation.EntityRef, jobID uuid.UUID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record(l.Store.FailEvaluation(ctx, ref, jobID, reason))
}

func (l *statusLog) statuses() []evaluation.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]evaluation.Status(nil), l.seq...)
}

func TestPool_StatusIsMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ms := memstore.New()
	act := ms.AddActivity(memstore.Activity{Name: "Plants", AIEvaluationEnabled: true})
	ref := evaluation.EntityRef{Kind: evaluation.KindQuestion, ID: ms.AddQuestion(act, "question")}
	log := &statusLog{Store: ms, ref: ref, seq: []evaluation.Status{evaluation.StatusPending}}
	producer := evaluation.NewProducer(ms, log, evaluation.ProducerConfig{MaxAttempts: 3})

	// Every other call fails transiently: each run retries once, then succeeds.
	var calls atomic.Int32
	scorer := scoring.Func(func(context.Context, evaluation.Payload) (*evaluation.Result, error) {
		if calls.Add(1)%2 == 1 {
			return nil, scoring.Transient(errors.New("HTTP 503"))
		}
		return &evaluation.Result{OverallScore: 7, BloomsLevel: "apply"}, nil
	})
	cfg := fastConfig()
	cfg.Concurrency = 1
	p := worker.New(ms, log, scorer, cfg)
	tracker := evaluation.NewTracker(ms)

	var observed []evaluation.Status
	drain := func() {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			_, err := p.RunOnce(ctx)
			require.NoError(t, err)
			view, err := tracker.Status(ctx, ref)
			require.NoError(t, err)
			if n := len(observed); n == 0 || observed[n-1] != view.Status {
				observed = append(observed, view.Status)
			}
			if view.Status.Terminal() {
				return
			}
			require.True(t, time.Now().Before(deadline), "entity never reached a terminal status")
			time.Sleep(2 * time.Millisecond)
		}
	}

	for range 2 {
		_, err := producer.Enqueue(ctx, evaluation.Request{Kind: ref.Kind, EntityID: ref.ID, Content: "question"})
		require.NoError(t, err)
		drain()
	}

	want := []evaluation.Status{
		evaluation.StatusPending,
		evaluation.StatusEvaluating, evaluation.StatusCompleted,
		evaluation.StatusEvaluating, evaluation.StatusCompleted,
	}
	got := log.statuses()
	assert.Equal(t, want, got)
	for i := 1; i < len(got); i++ {
		assert.NoError(t, evaluation.Transition(got[i-1], got[i]), "step %d", i)
	}
	for i := 1; i < len(observed); i++ {
		assert.NoError(t, evaluation.Transition(observed[i-1], observed[i]), "observed step %d", i)
	}
	assert.Equal(t, int32(4), calls.Load())
}

// lossyEntities drops the first FailEvaluation write, as when the database
// connection drops right after the queue marked the job failed.
type lossyEntities struct {
	*memstore.Store
	dropped atomic.Bool
}

func (l *lossyEntities) FailEvaluation(ctx context.Context, ref evaluation.EntityRef, jobID uuid.UUID, reason string) error {
	if l.dropped.CompareAndSwap(false, true) {
		return errors.New("connection reset by peer")
	}
	return l.Store.FailEvaluation(ctx, ref, jobID, reason)
}

func TestPool_LostFailureWriteDoesNotStrandEntity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ms := memstore.New()
	entities := &lossyEntities{Store: ms}
	act := ms.AddActivity(memstore.Activity{Name: "Plants", AIEvaluationEnabled: true})
	ref := evaluation.EntityRef{Kind: evaluation.KindQuestion, ID: ms.AddQuestion(act, "question")}
	producer := evaluation.NewProducer(ms, entities, evaluation.ProducerConfig{MaxAttempts: 3})

	scorer := scoring.Func(func(context.Context, evaluation.Payload) (*evaluation.Result, error) {
		return nil, scoring.Permanent("content rejected by safety policy", nil)
	})
	p := worker.New(ms, entities, scorer, fastConfig())
	req := evaluation.Request{Kind: ref.Kind, EntityID: ref.ID, Content: "question"}

	first, err := producer.Enqueue(ctx, req)
	require.NoError(t, err)
	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := ms.Get(ctx, first.JobID)
	require.NoError(t, err)
	require.Equal(t, evaluation.StateFailed, job.State)
	require.Equal(t, evaluation.StatusEvaluating, entityStatus(t, ms, ref))

	// The entity still names the failed job; a new request must not
	// coalesce onto it.
	second, err := producer.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Existing)
	assert.NotEqual(t, first.JobID, second.JobID)

	ent, err := ms.GetEntity(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, second.JobID, ent.JobID.UUID)

	n, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ent, err = ms.GetEntity(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusError, ent.Status)
	assert.Equal(t, "content rejected by safety policy", ent.LastError)
}
