package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/bulk-export/internal/export/domain"
)

// processAttempt claims an attempt, runs it with a timeout and heartbeat, and
// decides how its delivery is acknowledged
func (w *Worker) processAttempt(ctx context.Context, msg *domain.AttemptMessage) decision {
	// Claim attempt (CREATED → RUNNING)
	attempt, err := w.attempts.MarkRunning(ctx, msg.AttemptID)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptAlreadyClaimed) {
			w.logger.Warn("Attempt already claimed, skipping",
				slog.Int64("attempt_id", msg.AttemptID),
			)
			return decision{outcome: "already_claimed"}
		}
		w.logger.Error("Failed to claim attempt",
			slog.Int64("attempt_id", msg.AttemptID),
			slog.String("error", err.Error()),
		)
		return decision{requeue: true, outcome: "claim_failed"}
	}

	// Shutdown does not cancel a running attempt; it finishes or yields on its own
	runCtx := context.WithoutCancel(ctx)
	jobCtx, cancel := runCtx, context.CancelFunc(func() {})
	if w.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(runCtx, w.jobTimeout)
	}
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendHeartbeat(jobCtx, attempt.ID, heartbeatDone)
	defer close(heartbeatDone)

	progress := func(result string) {
		if err := w.attempts.SaveResult(runCtx, attempt.ID, result); err != nil {
			w.logger.Warn("Failed to save attempt progress",
				slog.Int64("attempt_id", attempt.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	result, err := w.executor.Execute(jobCtx, *attempt, progress)
	return w.settle(runCtx, attempt, result, err)
}

// settle records the attempt outcome and picks the acknowledgement
func (w *Worker) settle(ctx context.Context, attempt *domain.AttemptInfo, result string, err error) decision {
	if err == nil {
		w.logStoreError(attempt.ID, "completed", w.attempts.Complete(ctx, attempt.ID, result))
		w.logger.Info("Attempt completed successfully",
			slog.Int64("attempt_id", attempt.ID),
			slog.String("group_id", attempt.GroupID),
		)
		return decision{ack: true, outcome: "completed"}
	}

	if domain.IsFatal(err) {
		w.logger.Error("Attempt failed",
			slog.Int64("attempt_id", attempt.ID),
			slog.String("group_id", attempt.GroupID),
			slog.String("error", err.Error()),
		)
		w.logStoreError(attempt.ID, "failed", w.attempts.Fail(ctx, attempt.ID, err.Error()))
		return decision{outcome: "failed"}
	}

	if next := domain.ContinuationOf(err); next > 0 {
		w.logger.Info("Attempt continued by a later attempt",
			slog.Int64("attempt_id", attempt.ID),
			slog.Int64("continuation_id", next),
			slog.String("group_id", attempt.GroupID),
		)
		w.logStoreError(attempt.ID, "superseded", w.attempts.Supersede(ctx, attempt.ID, next))
		return decision{ack: true, outcome: "superseded"}
	}

	// Retriable outcomes and unclassified errors share the retry budget
	if !domain.IsRetriable(err) {
		w.logger.Error("Attempt returned an unclassified error",
			slog.Int64("attempt_id", attempt.ID),
			slog.String("error", err.Error()),
		)
	}

	if attempt.RetryCount < attempt.MaxRetries {
		w.logger.Info("Attempt will be retried",
			slog.Int64("attempt_id", attempt.ID),
			slog.Int("retry_count", attempt.RetryCount),
			slog.Int("max_retries", attempt.MaxRetries),
			slog.String("reason", err.Error()),
		)
		w.logStoreError(attempt.ID, "released", w.attempts.Release(ctx, attempt.ID, err.Error()))
		return decision{requeue: true, outcome: "retry"}
	}

	w.logger.Warn("Attempt exceeded max retries",
		slog.Int64("attempt_id", attempt.ID),
		slog.Int("retry_count", attempt.RetryCount),
		slog.Int("max_retries", attempt.MaxRetries),
	)
	w.logStoreError(attempt.ID, "failed", w.attempts.Fail(ctx, attempt.ID, err.Error()))
	return decision{outcome: "retries_exhausted"}
}

func (w *Worker) logStoreError(attemptID int64, status string, err error) {
	if err == nil {
		return
	}
	w.logger.Error("Failed to update attempt status",
		slog.Int64("attempt_id", attemptID),
		slog.String("status", status),
		slog.String("error", err.Error()),
	)
}

// sendHeartbeat periodically updates the attempt's heartbeat timestamp
func (w *Worker) sendHeartbeat(ctx context.Context, attemptID int64, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.attempts.Heartbeat(ctx, attemptID); err != nil {
				w.logger.Warn("Failed to update attempt heartbeat",
					slog.Int64("attempt_id", attemptID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
