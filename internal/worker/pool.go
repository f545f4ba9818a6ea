package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/bulk-export/internal/export/domain"
)

// decision is how a processed delivery is acknowledged
type decision struct {
	ack     bool
	requeue bool
	outcome string
}

// workerLoop is the main processing loop for each worker goroutine.
// It stops when ctx is canceled or the dispatcher closes jobsChan.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				w.logger.Info("Worker goroutine stopping - jobsChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			w.logger.Info("Worker received attempt",
				slog.String("worker_name", workerName),
				slog.Int64("attempt_id", msg.AttemptID),
				slog.String("group_id", msg.GroupID),
			)

			d := w.processAttempt(ctx, msg)
			w.acknowledge(workerName, msg, d)
		}
	}
}

// acknowledge ACKs or NACKs the delivery according to d
func (w *Worker) acknowledge(workerName string, msg *domain.AttemptMessage, d decision) {
	if d.ack {
		if err := w.broker.Ack(msg.DeliveryTag); err != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.Int64("attempt_id", msg.AttemptID),
				slog.String("error", err.Error()),
			)
			return
		}
		w.logger.Info("Message ACKed",
			slog.String("worker_name", workerName),
			slog.Int64("attempt_id", msg.AttemptID),
			slog.String("outcome", d.outcome),
		)
		return
	}

	if err := w.broker.Nack(msg.DeliveryTag, d.requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker_name", workerName),
			slog.Int64("attempt_id", msg.AttemptID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Info("Message NACKed",
		slog.String("worker_name", workerName),
		slog.Int64("attempt_id", msg.AttemptID),
		slog.String("outcome", d.outcome),
		slog.Bool("requeue", d.requeue),
	)
}
