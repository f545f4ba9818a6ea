// Package processing runs one attempt of an export job on behalf of the
// at-least-once job host and classifies its outcome.
//
// The export task may stop at a page boundary with a checkpoint. In that case
// the processing job schedules a continuation attempt in the same group, unless
// an attempt with a greater id already exists, and reports a retriable error so
// the host hands the remaining pages to the continuation.
package processing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/bulk-export/internal/export/domain"
	"github.com/cuongbtq/bulk-export/internal/export/task"
)

// TaskFactory creates the export task used for a single attempt
type TaskFactory func() task.Task

// QueueClient is the part of the job queue the processing job needs
type QueueClient interface {
	Enqueue(ctx context.Context, groupID, definition string) (*domain.AttemptInfo, error)
	ListAttempts(ctx context.Context, groupID string) ([]domain.AttemptInfo, error)
}

// AtomicContinuationEnqueuer is implemented by queues that can check for a
// later sibling and insert the continuation in one step. It returns the
// existing successor and false when one is already present.
type AtomicContinuationEnqueuer interface {
	EnqueueContinuation(ctx context.Context, groupID string, afterID int64, definition string) (*domain.AttemptInfo, bool, error)
}

// ProcessingJob adapts the export task to the job host
type ProcessingJob struct {
	newTask TaskFactory
	queue   QueueClient
	logger  *slog.Logger
}

// NewProcessingJob creates a new processing job
func NewProcessingJob(factory TaskFactory, queue QueueClient, logger *slog.Logger) *ProcessingJob {
	return &ProcessingJob{
		newTask: factory,
		queue:   queue,
		logger:  logger,
	}
}

// Execute runs one attempt. On success it returns the serialized final record
// and reports it once through progress. Failures are returned as
// *domain.JobExecutionError (fatal) or *domain.RetriableJobError; errors from
// the task itself are returned unchanged.
func (p *ProcessingJob) Execute(ctx context.Context, attempt domain.AttemptInfo, progress func(string)) (string, error) {
	record, err := domain.UnmarshalJobRecord(attempt.Definition)
	if err != nil {
		p.logger.Error("Invalid attempt definition",
			slog.Int64("attempt_id", attempt.ID),
			slog.String("group_id", attempt.GroupID),
			slog.String("error", err.Error()),
		)
		return "", domain.NewJobExecutionError(err.Error(), 0, err)
	}

	p.logger.Info("Executing export attempt",
		slog.Int64("attempt_id", attempt.ID),
		slog.String("group_id", attempt.GroupID),
		slog.String("job_id", record.ID),
		slog.String("status", string(record.Status)),
	)

	exportTask := p.newTask()
	outcome, err := exportTask.Run(ctx, record, record.ETag())
	if err != nil {
		return "", err
	}
	if outcome == nil || outcome.Record == nil {
		return "", fmt.Errorf("export task returned no record for attempt %d", attempt.ID)
	}

	result := outcome.Record
	definition, err := result.Marshal()
	if err != nil {
		return "", err
	}

	switch result.Status {
	case domain.StatusCompleted:
		p.logger.Info("Export attempt completed",
			slog.Int64("attempt_id", attempt.ID),
			slog.String("job_id", result.ID),
		)
		if progress != nil {
			progress(definition)
		}
		return definition, nil

	case domain.StatusFailed:
		message, code := "export job failed", 0
		if result.FailureDetails != nil {
			message = result.FailureDetails.Message
			code = result.FailureDetails.StatusCode
		}
		p.logger.Warn("Export attempt failed",
			slog.Int64("attempt_id", attempt.ID),
			slog.String("job_id", result.ID),
			slog.String("reason", message),
			slog.Int("status_code", code),
		)
		return "", domain.NewJobExecutionError(message, code, nil)

	case domain.StatusCanceled:
		p.logger.Info("Export attempt canceled",
			slog.Int64("attempt_id", attempt.ID),
			slog.String("job_id", result.ID),
		)
		return "", domain.NewRetriableJobError("export job was canceled", nil)
	}

	if !result.HasCheckpoint() {
		return "", domain.NewRetriableJobError(
			fmt.Sprintf("export job ended in non-terminal status %s", result.Status), nil)
	}

	return "", p.scheduleContinuation(ctx, attempt, definition)
}
