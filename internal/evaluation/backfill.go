package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// DefaultBackfillMaxLimit caps a single backfill run when no limit is configured.
const DefaultBackfillMaxLimit = 500

// ItemError records why one candidate could not be queued.
type ItemError struct {
	Ref    EntityRef
	Reason string
}

// BackfillReport summarizes a run. Candidates == 0 means there was nothing to
// do; FailedToQueue > 0 means the queue rejected items.
type BackfillReport struct {
	Candidates    int
	Queued        int
	Skipped       int
	FailedToQueue int
	Errors        []ItemError
	JobIDs        []uuid.UUID
}

// Backfiller enqueues pending, eligible entities that have never been
// evaluated. It is an alternate producer feeding the same queue.
type Backfiller struct {
	producer *Producer
	entities EntityStore
	maxLimit int
	log      *slog.Logger
}

// NewBackfiller creates a Backfiller. maxLimit caps the per-run limit;
// zero means DefaultBackfillMaxLimit.
func NewBackfiller(p *Producer, entities EntityStore, maxLimit int) *Backfiller {
	if maxLimit <= 0 {
		maxLimit = DefaultBackfillMaxLimit
	}
	return &Backfiller{producer: p, entities: entities, maxLimit: maxLimit, log: slog.Default()}
}

// Run enqueues up to limit candidates matching filter. Only pending entities
// are considered, so repeated runs never re-enqueue evaluating or completed
// ones. A failure on one item is recorded and the run continues.
func (b *Backfiller) Run(ctx context.Context, filter BackfillFilter, limit int) (BackfillReport, error) {
	if limit <= 0 {
		return BackfillReport{}, fmt.Errorf("%w: limit must be positive", ErrInvalidPayload)
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return BackfillReport{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, filter.Kind)
	}
	if limit > b.maxLimit {
		limit = b.maxLimit
	}

	candidates, err := b.entities.ListBackfillCandidates(ctx, filter, limit)
	if err != nil {
		return BackfillReport{}, fmt.Errorf("list backfill candidates: %w", err)
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	report := BackfillReport{Candidates: len(candidates)}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			// Account for the rest so the totals still add up.
			for _, rest := range candidates[report.Queued+report.Skipped+report.FailedToQueue:] {
				report.FailedToQueue++
				report.Errors = append(report.Errors, ItemError{Ref: rest.Ref, Reason: "backfill cancelled"})
			}
			break
		}
		h, err := b.producer.Enqueue(ctx, Request{
			Kind:     c.Ref.Kind,
			EntityID: c.Ref.ID,
			Content:  c.Content,
			Context:  c.Context,
		})
		if err != nil {
			report.FailedToQueue++
			report.Errors = append(report.Errors, ItemError{Ref: c.Ref, Reason: itemReason(err)})
			b.log.WarnContext(ctx, "backfill item not queued", "entity", c.Ref, "error", err)
			continue
		}
		if h.Existing {
			report.Skipped++
			continue
		}
		report.Queued++
		report.JobIDs = append(report.JobIDs, h.JobID)
	}

	b.log.InfoContext(ctx, "backfill finished",
		"candidates", report.Candidates,
		"queued", report.Queued,
		"skipped", report.Skipped,
		"failed_to_queue", report.FailedToQueue,
	)
	return report, nil
}

func itemReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return err.Error()
	case errors.Is(err, ErrNotFound):
		return "entity not found"
	case errors.Is(err, ErrQueueUnavailable):
		return "queue unavailable"
	}
	return "enqueue failed"
}
