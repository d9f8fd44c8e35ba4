// ABOUTME: Integration tests for store/jobs.go: claim atomicity, retries, stale recovery, pause.
// ABOUTME: Uses testutil.NewTestDB; each test runs in its own container (t.Parallel).
package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/evalq/internal/evaluation"
	"github.com/scarson/evalq/internal/store"
	"github.com/scarson/evalq/internal/testutil"
)

func newJob(maxAttempts int) evaluation.NewJob {
	ref := evaluation.EntityRef{Kind: evaluation.KindQuestion, ID: uuid.New()}
	return evaluation.NewJob{
		Kind:        ref.Kind,
		EntityID:    ref.ID,
		Payload:     json.RawMessage(`{"question_id":"` + ref.ID.String() + `","content":"x"}`),
		MaxAttempts: maxAttempts,
		LockKey:     ref.LockKey(),
	}
}

func mustEnqueue(t *testing.T, s *store.Store, nj evaluation.NewJob) uuid.UUID {
	t.Helper()
	id, err := s.Enqueue(context.Background(), nj)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestEnqueue_LockKeyIsUniqueWhileInFlight(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	nj := newJob(3)
	first := mustEnqueue(t, s, nj)

	if _, err := s.Enqueue(ctx, nj); !errors.Is(err, evaluation.ErrDuplicateJob) {
		t.Fatalf("second Enqueue: got %v, want ErrDuplicateJob", err)
	}
	got, ok, err := s.InFlight(ctx, nj.LockKey)
	if err != nil || !ok || got != first {
		t.Fatalf("InFlight = (%v, %v, %v), want (%v, true, nil)", got, ok, err, first)
	}

	// Once the job is terminal the key is free again.
	if _, err := s.Claim(ctx, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Ack(ctx, first); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	second := mustEnqueue(t, s, nj)
	if second == first {
		t.Error("expected a new job id after the first finished")
	}
}

func TestClaim_NoDoubleClaim(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const jobs = 40
	for range jobs {
		mustEnqueue(t, s, newJob(3))
	}

	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.Claim(ctx, "worker-"+string(rune('a'+w)))
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
				if err := s.Ack(ctx, job.ID); err != nil {
					t.Errorf("Ack: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
	c, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Completed != jobs {
		t.Errorf("Completed = %d, want %d", c.Completed, jobs)
	}
}

func TestFail_RetriesUntilMaxAttempts(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, newJob(2))

	job, err := s.Claim(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("Claim: %v %v", job, err)
	}
	state, err := s.Fail(ctx, id, "HTTP 503", true, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if state != evaluation.StateWaiting {
		t.Fatalf("state after first failure = %s, want waiting", state)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != evaluation.StateDelayed {
		t.Errorf("Get state = %s, want delayed while backoff pending", got.State)
	}
	if got.LastError != "HTTP 503" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if job, _ := s.Claim(ctx, "w1"); job != nil {
		t.Fatal("claimed a job before its run_after")
	}

	if _, err := s.Pool().Exec(ctx, `UPDATE job_queue SET run_after = now() WHERE id = $1`, id); err != nil {
		t.Fatalf("reset run_after: %v", err)
	}
	job, err = s.Claim(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("second Claim: %v %v", job, err)
	}
	if job.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", job.Attempts)
	}
	state, err = s.Fail(ctx, id, "HTTP 503", true, time.Now())
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if state != evaluation.StateFailed {
		t.Errorf("state after last attempt = %s, want failed", state)
	}

	if _, err := s.Fail(ctx, id, "again", true, time.Now()); !errors.Is(err, evaluation.ErrJobNotActive) {
		t.Errorf("Fail on finished job: got %v, want ErrJobNotActive", err)
	}
}

func TestFail_PermanentIgnoresRemainingAttempts(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, newJob(5))
	if _, err := s.Claim(ctx, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	state, err := s.Fail(ctx, id, "content rejected", false, time.Now())
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if state != evaluation.StateFailed {
		t.Errorf("state = %s, want failed", state)
	}
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	requeue := mustEnqueue(t, s, newJob(3))
	exhaust := mustEnqueue(t, s, newJob(1))
	for range 2 {
		if _, err := s.Claim(ctx, "dead-worker"); err != nil {
			t.Fatalf("Claim: %v", err)
		}
	}
	if _, err := s.Pool().Exec(ctx, `UPDATE job_queue SET locked_at = now() - interval '10 minutes'`); err != nil {
		t.Fatalf("age locks: %v", err)
	}

	rec, err := s.RecoverStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if rec.Requeued != 1 {
		t.Errorf("Requeued = %d, want 1", rec.Requeued)
	}
	if len(rec.Exhausted) != 1 || rec.Exhausted[0].ID != exhaust {
		t.Fatalf("Exhausted = %+v, want job %s", rec.Exhausted, exhaust)
	}

	got, err := s.Get(ctx, requeue)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != evaluation.StateWaiting || got.LockedBy != "" {
		t.Errorf("requeued job = %s locked_by=%q, want waiting and unlocked", got.State, got.LockedBy)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	held := mustEnqueue(t, s, newJob(3))
	if _, err := s.Claim(ctx, "dead-worker"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	mustEnqueue(t, s, newJob(3))

	if err := s.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	mustEnqueue(t, s, newJob(3))

	// A job recovered from a dead worker during the pause stays paused.
	if _, err := s.Pool().Exec(ctx, `UPDATE job_queue SET locked_at = now() - interval '10 minutes' WHERE id = $1`, held); err != nil {
		t.Fatalf("age lock: %v", err)
	}
	rec, err := s.RecoverStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if rec.Requeued != 1 {
		t.Errorf("Requeued = %d, want 1", rec.Requeued)
	}
	got, err := s.Get(ctx, held)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != evaluation.StatePaused {
		t.Errorf("recovered job state = %s, want paused", got.State)
	}

	c, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Paused != 3 || c.Waiting != 0 {
		t.Errorf("paused counts = %+v, want 3 paused", c)
	}
	if job, err := s.Claim(ctx, "w1"); err != nil || job != nil {
		t.Fatalf("Claim while paused = (%v, %v), want (nil, nil)", job, err)
	}

	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	c, err = s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Waiting != 3 || c.Paused != 0 {
		t.Errorf("resumed counts = %+v, want 3 waiting", c)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	last, err := s.LastHeartbeat(ctx)
	if err != nil {
		t.Fatalf("LastHeartbeat: %v", err)
	}
	if !last.IsZero() {
		t.Errorf("LastHeartbeat on empty table = %v, want zero", last)
	}

	older := time.Now().Add(-time.Minute).Truncate(time.Microsecond)
	newer := time.Now().Truncate(time.Microsecond)
	if err := s.RecordHeartbeat(ctx, "a", older); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	if err := s.RecordHeartbeat(ctx, "b", newer); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	last, err = s.LastHeartbeat(ctx)
	if err != nil {
		t.Fatalf("LastHeartbeat: %v", err)
	}
	if !last.Equal(newer) {
		t.Errorf("LastHeartbeat = %v, want %v", last, newer)
	}
}
