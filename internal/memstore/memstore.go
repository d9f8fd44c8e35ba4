// ABOUTME: In-memory Queue and EntityStore used by unit tests and the EVAL_STORE=memory dev mode.
// ABOUTME: One mutex serializes every operation, which gives the same atomic-claim guarantee as SKIP LOCKED.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/evalq/internal/evaluation"
)

// Activity is the parent of questions; its flag gates backfill eligibility.
type Activity struct {
	ID                  uuid.UUID
	Name                string
	GroupName           string
	Subject             string
	ReferenceMaterial   string
	AIEvaluationEnabled bool
}

type entity struct {
	ref        evaluation.EntityRef
	activityID uuid.UUID
	questionID uuid.UUID // responses only
	content    string
	status     evaluation.Status
	jobID      uuid.NullUUID
	lastError  string
	seq        int
}

type job struct {
	evaluation.Job
	lockKey  string
	lockedAt time.Time
	acks     int
}

// Store is a goroutine-safe in-memory implementation of evaluation.Queue
// and evaluation.EntityStore.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	activities map[uuid.UUID]*Activity
	entities   map[evaluation.EntityRef]*entity
	results    map[evaluation.EntityRef]evaluation.StoredResult
	jobs       map[uuid.UUID]*job
	order      []uuid.UUID
	paused     bool
	heartbeats map[string]time.Time
	unavail    error
	seq        int
}

var (
	_ evaluation.Queue       = (*Store)(nil)
	_ evaluation.EntityStore = (*Store)(nil)
)

// New returns an empty Store using the wall clock.
func New() *Store {
	return &Store{
		now:        time.Now,
		activities: make(map[uuid.UUID]*Activity),
		entities:   make(map[evaluation.EntityRef]*entity),
		results:    make(map[evaluation.EntityRef]evaluation.StoredResult),
		jobs:       make(map[uuid.UUID]*job),
		heartbeats: make(map[string]time.Time),
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetUnavailable makes every queue operation fail with err until called
// again with nil.
func (s *Store) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavail = err
}

// ── seeding ───────────────────────────────────────────────────────────────────

// AddActivity stores a. A zero ID is replaced with a fresh one.
func (s *Store) AddActivity(a Activity) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.activities[a.ID] = &a
	return a.ID
}

// AddQuestion stores a pending question under activityID.
func (s *Store) AddQuestion(activityID uuid.UUID, content string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.seq++
	ref := evaluation.EntityRef{Kind: evaluation.KindQuestion, ID: id}
	s.entities[ref] = &entity{
		ref:        ref,
		activityID: activityID,
		content:    content,
		status:     evaluation.StatusPending,
		seq:        s.seq,
	}
	return id
}

// AddResponse stores a pending response to questionID.
func (s *Store) AddResponse(questionID uuid.UUID, content string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.entities[evaluation.EntityRef{Kind: evaluation.KindQuestion, ID: questionID}]
	var activityID uuid.UUID
	if q != nil {
		activityID = q.activityID
	}
	id := uuid.New()
	s.seq++
	ref := evaluation.EntityRef{Kind: evaluation.KindResponse, ID: id}
	s.entities[ref] = &entity{
		ref:        ref,
		activityID: activityID,
		questionID: questionID,
		content:    content,
		status:     evaluation.StatusPending,
		seq:        s.seq,
	}
	return id
}

// SetStatus overwrites an entity's status without any guard. Test setup only.
func (s *Store) SetStatus(ref evaluation.EntityRef, st evaluation.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entities[ref]; e != nil {
		e.status = st
	}
}

// Acks returns how many times job id was acked.
func (s *Store) Acks(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.jobs[id]; j != nil {
		return j.acks
	}
	return 0
}

// JobIDs returns every job id in enqueue order.
func (s *Store) JobIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.order...)
}

// ── evaluation.Queue ──────────────────────────────────────────────────────────

// Enqueue implements evaluation.Queue.
func (s *Store) Enqueue(_ context.Context, nj evaluation.NewJob) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail != nil {
		return uuid.Nil, s.unavail
	}
	if _, ok := s.inFlightLocked(nj.LockKey); ok {
		return uuid.Nil, evaluation.ErrDuplicateJob
	}
	now := s.now()
	state := evaluation.StateWaiting
	if s.paused {
		state = evaluation.StatePaused
	}
	j := &job{
		Job: evaluation.Job{
			ID:          uuid.New(),
			Kind:        nj.Kind,
			EntityID:    nj.EntityID,
			Payload:     append(json.RawMessage(nil), nj.Payload...),
			State:       state,
			MaxAttempts: nj.MaxAttempts,
			EnqueuedAt:  now,
			RunAfter:    now,
		},
		lockKey: nj.LockKey,
	}
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	return j.ID, nil
}

func (s *Store) inFlightLocked(lockKey string) (uuid.UUID, bool) {
	for _, id := range s.order {
		j := s.jobs[id]
		if j.lockKey == lockKey && !j.State.Terminal() {
			return id, true
		}
	}
	return uuid.Nil, false
}

// InFlight implements evaluation.Queue.
func (s *Store) InFlight(_ context.Context, lockKey string) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail != nil {
		return uuid.Nil, false, s.unavail
	}
	id, ok := s.inFlightLocked(lockKey)
	return id, ok, nil
}

// Claim implements evaluation.Queue.
func (s *Store) Claim(_ context.Context, workerID string) (*evaluation.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail != nil {
		return nil, s.unavail
	}
	if s.paused {
		return nil, nil
	}
	now := s.now()
	var next *job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.State != evaluation.StateWaiting || j.RunAfter.After(now) {
			continue
		}
		if next == nil || j.RunAfter.Before(next.RunAfter) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = evaluation.StateActive
	next.Attempts++
	next.LockedBy = workerID
	next.lockedAt = now
	attemptAt := now
	next.LastAttemptAt = &attemptAt
	out := next.Job
	return &out, nil
}

// Ack implements evaluation.Queue.
func (s *Store) Ack(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail != nil {
		return s.unavail
	}
	j := s.jobs[id]
	if j == nil || j.State != evaluation.StateActive {
		return fmt.Errorf("ack job %s: %w", id, evaluation.ErrJobNotActive)
	}
	j.State = evaluation.StateCompleted
	j.LockedBy = ""
	j.LastError = ""
	j.acks++
	return nil
}

// Fail implements evaluation.Queue.
func (s *Store) Fail(_ context.Context, id uuid.UUID, errMsg string, retryable bool, retryAt time.Time) (evaluation.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail != nil {
		return "", s.unavail
	}
	j := s.jobs[id]
	if j == nil || j.State != evaluation.StateActive {
		return "", fmt.Errorf("fail job %s: %w", id, evaluation.ErrJobNotActive)
	}
	j.LastError = errMsg
	j.LockedBy = ""
	if retryable && j.Attempts < j.MaxAttempts {
		j.State = evaluation.StateWaiting
		j.RunAfter = retryAt
		if s.paused {
			j.State = evaluation.StatePaused
		}
	} else {
		j.State = evaluation.StateFailed
	}
	return j.State, nil
}

// RecoverStale implements evaluation.Queue.
func (s *Store) RecoverStale(_ context.Context, olderThan time.Duration) (evaluation.StaleRecovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail != nil {
		return evaluation.StaleRecovery{}, s.unavail
	}
	var out evaluation.StaleRecovery
	cutoff := s.now().Add(-olderThan)
	for _, id := range s.order {
		j := s.jobs[id]
		if j.State != evaluation.StateActive || !j.lockedAt.Before(cutoff) {
			continue
		}
		j.LockedBy = ""
		j.LastError = "lease expired: worker stopped responding"
		if j.Attempts >= j.MaxAttempts {
			j.State = evaluation.StateFailed
			out.Exhausted = append(out.Exhausted, j.Job)
			continue
		}
		j.State = evaluation.StateWaiting
		if s.paused {
			j.State = evaluation.StatePaused
		}
		out.Requeued++
	}
	return out, nil
}

// Counts implements evaluation.Queue.
func (s *Store) Counts(_ context.Context) (evaluation.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail != nil {
		return evaluation.Counts{}, s.unavail
	}
	var c evaluation.Counts
	now := s.now()
	for _, j := range s.jobs {
		switch s.stateLocked(j, now) {
		case evaluation.StateWaiting:
			c.Waiting++
		case evaluation.StateDelayed:
			c.Delayed++
		case evaluation.StateActive:
			c.Active++
		case evaluation.StateCompleted:
			c.Completed++
		case evaluation.StateFailed:
			c.Failed++
		case evaluation.StatePaused:
			c.Paused++
		}
	}
	return c, nil
}

func (s *Store) stateLocked(j *job, now time.Time) evaluation.JobState {
	if j.State == evaluation.StateWaiting && j.RunAfter.After(now) {
		return evaluation.StateDelayed
	}
	return j.State
}

// Get implements evaluation.Queue.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*evaluation.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j == nil {
		return nil, evaluation.ErrNotFound
	}
	out := j.Job
	out.State = s.stateLocked(j, s.now())
	return &out, nil
}

// Pause implements evaluation.Queue.
func (s *Store) Pause(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	for _, j := range s.jobs {
		if j.State == evaluation.StateWaiting {
			j.State = evaluation.StatePaused
		}
	}
	return nil
}

// Resume implements evaluation.Queue.
func (s *Store) Resume(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	for _, j := range s.jobs {
		if j.State == evaluation.StatePaused {
			j.State = evaluation.StateWaiting
		}
	}
	return nil
}

// RecordHeartbeat implements evaluation.Queue.
func (s *Store) RecordHeartbeat(_ context.Context, workerID string, lastClaim time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail != nil {
		return s.unavail
	}
	s.heartbeats[workerID] = lastClaim
	return nil
}

// LastHeartbeat implements evaluation.Queue.
func (s *Store) LastHeartbeat(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail != nil {
		return time.Time{}, s.unavail
	}
	var latest time.Time
	for _, t := range s.heartbeats {
		if t.After(latest) {
			latest = t
		}
	}
	return latest, nil
}

// Ping implements evaluation.Queue.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unavail
}

// ── evaluation.EntityStore ────────────────────────────────────────────────────

// GetEntity implements evaluation.EntityStore.
func (s *Store) GetEntity(_ context.Context, ref evaluation.EntityRef) (*evaluation.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entities[ref]
	if e == nil {
		return nil, fmt.Errorf("entity %s: %w", ref, evaluation.ErrNotFound)
	}
	out := &evaluation.Entity{
		Ref:        e.ref,
		ActivityID: e.activityID,
		Status:     e.status,
		JobID:      e.jobID,
		LastError:  e.lastError,
	}
	if a := s.activities[e.activityID]; a != nil {
		out.Eligible = a.AIEvaluationEnabled
	}
	return out, nil
}

// MarkEvaluating implements evaluation.EntityStore.
func (s *Store) MarkEvaluating(_ context.Context, ref evaluation.EntityRef, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entities[ref]
	if e == nil {
		return fmt.Errorf("entity %s: %w", ref, evaluation.ErrNotFound)
	}
	if e.jobID.Valid && e.jobID.UUID == jobID {
		return nil
	}
	if j := s.jobs[jobID]; j == nil || j.State.Terminal() {
		return nil
	}
	if err := evaluation.Transition(e.status, evaluation.StatusEvaluating); err != nil {
		return err
	}
	e.status = evaluation.StatusEvaluating
	e.jobID = uuid.NullUUID{UUID: jobID, Valid: true}
	e.lastError = ""
	return nil
}

func (s *Store) finishLocked(ref evaluation.EntityRef, jobID uuid.UUID, to evaluation.Status) (*entity, error) {
	e := s.entities[ref]
	if e == nil {
		return nil, fmt.Errorf("entity %s: %w", ref, evaluation.ErrNotFound)
	}
	if err := evaluation.Transition(e.status, to); err != nil {
		return nil, err
	}
	if !e.jobID.Valid || e.jobID.UUID != jobID {
		return nil, fmt.Errorf("%w: %s is evaluating under another job", evaluation.ErrInvalidTransition, ref)
	}
	return e, nil
}

// CompleteEvaluation implements evaluation.EntityStore.
func (s *Store) CompleteEvaluation(_ context.Context, ref evaluation.EntityRef, jobID uuid.UUID, res evaluation.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.finishLocked(ref, jobID, evaluation.StatusCompleted)
	if err != nil {
		return err
	}
	e.status = evaluation.StatusCompleted
	e.lastError = ""
	s.results[ref] = evaluation.StoredResult{Result: res, JobID: jobID, EvaluatedAt: s.now()}
	return nil
}

// FailEvaluation implements evaluation.EntityStore.
func (s *Store) FailEvaluation(_ context.Context, ref evaluation.EntityRef, jobID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.finishLocked(ref, jobID, evaluation.StatusError)
	if err != nil {
		return err
	}
	e.status = evaluation.StatusError
	e.lastError = reason
	return nil
}

// GetResult implements evaluation.EntityStore.
func (s *Store) GetResult(_ context.Context, ref evaluation.EntityRef) (*evaluation.StoredResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[ref]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// ListBackfillCandidates implements evaluation.EntityStore.
func (s *Store) ListBackfillCandidates(_ context.Context, f evaluation.BackfillFilter, limit int) ([]evaluation.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*entity
	for _, e := range s.entities {
		if e.status != evaluation.StatusPending {
			continue
		}
		if f.Kind != "" && e.ref.Kind != f.Kind {
			continue
		}
		if f.ActivityID != nil && e.activityID != *f.ActivityID {
			continue
		}
		a := s.activities[e.activityID]
		if a == nil || !a.AIEvaluationEnabled {
			continue
		}
		matched = append(matched, e)
	}
	// Questions before responses, then insertion order, like the SQL store.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ref.Kind != matched[j].ref.Kind {
			return matched[i].ref.Kind == evaluation.KindQuestion
		}
		return matched[i].seq < matched[j].seq
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]evaluation.Candidate, 0, len(matched))
	for _, e := range matched {
		a := s.activities[e.activityID]
		c := evaluation.Candidate{
			Ref:     e.ref,
			Content: e.content,
			Context: evaluation.Context{
				ActivityName:      a.Name,
				GroupName:         a.GroupName,
				Subject:           a.Subject,
				ReferenceMaterial: a.ReferenceMaterial,
			},
		}
		if e.ref.Kind == evaluation.KindResponse {
			if q := s.entities[evaluation.EntityRef{Kind: evaluation.KindQuestion, ID: e.questionID}]; q != nil {
				c.Context.QuestionText = q.content
			}
		}
		out = append(out, c)
	}
	return out, nil
}
