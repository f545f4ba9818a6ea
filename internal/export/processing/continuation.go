package processing

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/bulk-export/internal/export/domain"
)

// scheduleContinuation makes sure exactly one attempt after the current one
// carries the checkpointed record forward. It always returns a
// *domain.RetriableJobError; ContinuationID is zero only when scheduling failed.
func (p *ProcessingJob) scheduleContinuation(ctx context.Context, attempt domain.AttemptInfo, definition string) error {
	if atomicQueue, ok := p.queue.(AtomicContinuationEnqueuer); ok {
		next, created, err := atomicQueue.EnqueueContinuation(ctx, attempt.GroupID, attempt.ID, definition)
		if err != nil {
			return p.continuationFailed(attempt, err)
		}
		return p.continuationScheduled(attempt, next, created)
	}

	siblings, err := p.queue.ListAttempts(ctx, attempt.GroupID)
	if err != nil {
		return p.continuationFailed(attempt, err)
	}

	if next := laterSibling(siblings, attempt.ID); next != nil {
		return p.continuationScheduled(attempt, next, false)
	}

	next, err := p.queue.Enqueue(ctx, attempt.GroupID, definition)
	if err != nil {
		return p.continuationFailed(attempt, err)
	}

	return p.continuationScheduled(attempt, next, true)
}

// laterSibling returns the first attempt with an id greater than afterID
func laterSibling(siblings []domain.AttemptInfo, afterID int64) *domain.AttemptInfo {
	for i := range siblings {
		if siblings[i].ID > afterID {
			return &siblings[i]
		}
	}
	return nil
}

func (p *ProcessingJob) continuationScheduled(attempt domain.AttemptInfo, next *domain.AttemptInfo, created bool) error {
	if created {
		p.logger.Info("Continuation attempt enqueued",
			slog.Int64("attempt_id", attempt.ID),
			slog.Int64("continuation_id", next.ID),
			slog.String("group_id", attempt.GroupID),
		)
	} else {
		p.logger.Info("Continuation attempt already exists, skipping enqueue",
			slog.Int64("attempt_id", attempt.ID),
			slog.Int64("continuation_id", next.ID),
			slog.String("group_id", attempt.GroupID),
		)
	}

	return &domain.RetriableJobError{
		Reason:         "export job yielded at a page boundary",
		ContinuationID: next.ID,
	}
}

func (p *ProcessingJob) continuationFailed(attempt domain.AttemptInfo, err error) error {
	p.logger.Error("Failed to schedule continuation attempt",
		slog.Int64("attempt_id", attempt.ID),
		slog.String("group_id", attempt.GroupID),
		slog.String("error", err.Error()),
	)
	return domain.NewRetriableJobError("failed to schedule continuation", err)
}
