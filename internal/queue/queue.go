// Package queue stores export attempts in PostgreSQL and announces them on
// RabbitMQ. The table is the source of truth; a lost message is recovered by
// Redispatch.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/bulk-export/internal/export/domain"
	"github.com/cuongbtq/bulk-export/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

const (
	attemptColumns = `id, group_id, definition, status, result, error_message, retry_count, max_retries, created_at, updated_at, heartbeat_at`

	defaultMaxRetries = 3
)

// Publisher sends attempt notifications to the broker
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Config holds queue configuration
type Config struct {
	Logger     *slog.Logger
	DBClient   *postgresql.Client
	Publisher  Publisher
	MaxRetries int
}

// Queue is the export attempt queue
type Queue struct {
	logger     *slog.Logger
	db         *postgresql.Client
	publisher  Publisher
	maxRetries int
}

// NewQueue creates a new Queue
func NewQueue(cfg *Config) *Queue {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &Queue{
		logger:     cfg.Logger,
		db:         cfg.DBClient,
		publisher:  cfg.Publisher,
		maxRetries: maxRetries,
	}
}

// Enqueue stores a new attempt in the group and publishes it
func (q *Queue) Enqueue(ctx context.Context, groupID, definition string) (*domain.AttemptInfo, error) {
	attempt, err := insertAttempt(ctx, q.db.GetDB(), groupID, definition, q.maxRetries)
	if err != nil {
		return nil, err
	}

	q.logger.Info("Attempt enqueued",
		slog.Int64("attempt_id", attempt.ID),
		slog.String("group_id", groupID),
	)

	q.publish(ctx, attempt)
	return attempt, nil
}

// ListAttempts returns every attempt of the group in id order
func (q *Queue) ListAttempts(ctx context.Context, groupID string) ([]domain.AttemptInfo, error) {
	query := `SELECT ` + attemptColumns + ` FROM export_attempts WHERE group_id = $1 ORDER BY id ASC`

	var attempts []domain.AttemptInfo
	if err := q.db.SelectContext(ctx, &attempts, query, groupID); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return attempts, nil
}

// EnqueueContinuation inserts a continuation unless the group already has an
// attempt after afterID. The check and the insert run under a per-group
// advisory lock, so two racing attempts cannot both enqueue.
func (q *Queue) EnqueueContinuation(ctx context.Context, groupID string, afterID int64, definition string) (*domain.AttemptInfo, bool, error) {
	var (
		attempt *domain.AttemptInfo
		created bool
	)

	err := q.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, groupID); err != nil {
			return fmt.Errorf("failed to lock attempt group: %w", err)
		}

		var existing domain.AttemptInfo
		query := `SELECT ` + attemptColumns + ` FROM export_attempts WHERE group_id = $1 AND id > $2 ORDER BY id ASC LIMIT 1`
		err := tx.GetContext(ctx, &existing, query, groupID, afterID)
		if err == nil {
			attempt = &existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up continuation: %w", err)
		}

		attempt, err = insertAttempt(ctx, tx, groupID, definition, q.maxRetries)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		q.publish(ctx, attempt)
	}
	return attempt, created, nil
}

// GetAttempt retrieves an attempt by id
func (q *Queue) GetAttempt(ctx context.Context, attemptID int64) (*domain.AttemptInfo, error) {
	query := `SELECT ` + attemptColumns + ` FROM export_attempts WHERE id = $1`

	var attempt domain.AttemptInfo
	if err := q.db.GetContext(ctx, &attempt, query, attemptID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return &attempt, nil
}

// MarkRunning claims a created attempt for execution
func (q *Queue) MarkRunning(ctx context.Context, attemptID int64) (*domain.AttemptInfo, error) {
	query := `
		UPDATE export_attempts
		SET status = $1,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $2
		  AND status = $3
		RETURNING ` + attemptColumns

	var attempt domain.AttemptInfo
	err := q.db.GetContext(ctx, &attempt, query, domain.AttemptRunning, attemptID, domain.AttemptCreated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			q.logger.Warn("Failed to claim attempt - already claimed or not found",
				slog.Int64("attempt_id", attemptID),
			)
			return nil, domain.ErrAttemptAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim attempt: %w", err)
	}

	q.logger.Info("Attempt claimed",
		slog.Int64("attempt_id", attemptID),
		slog.String("group_id", attempt.GroupID),
		slog.Int("retry_count", attempt.RetryCount),
	)
	return &attempt, nil
}

// Heartbeat refreshes the heartbeat of a running attempt
func (q *Queue) Heartbeat(ctx context.Context, attemptID int64) error {
	query := `UPDATE export_attempts SET heartbeat_at = NOW() WHERE id = $1 AND status = $2`

	if _, err := q.db.ExecContext(ctx, query, attemptID, domain.AttemptRunning); err != nil {
		return fmt.Errorf("failed to update attempt heartbeat: %w", err)
	}
	return nil
}

// SaveResult stores the latest reported result of a running attempt
func (q *Queue) SaveResult(ctx context.Context, attemptID int64, result string) error {
	query := `UPDATE export_attempts SET result = $1, updated_at = NOW() WHERE id = $2`

	if _, err := q.db.ExecContext(ctx, query, result, attemptID); err != nil {
		return fmt.Errorf("failed to save attempt result: %w", err)
	}
	return nil
}

// Complete marks a running attempt as completed with its result
func (q *Queue) Complete(ctx context.Context, attemptID int64, result string) error {
	return q.finish(ctx, attemptID, domain.AttemptCompleted, result, "")
}

// Fail marks a running attempt as failed
func (q *Queue) Fail(ctx context.Context, attemptID int64, message string) error {
	return q.finish(ctx, attemptID, domain.AttemptFailed, "", message)
}

// Supersede marks a running attempt as handed over to a continuation
func (q *Queue) Supersede(ctx context.Context, attemptID, continuationID int64) error {
	return q.finish(ctx, attemptID, domain.AttemptSuperseded, "", fmt.Sprintf("continued by attempt %d", continuationID))
}

func (q *Queue) finish(ctx context.Context, attemptID int64, status domain.AttemptStatus, result, message string) error {
	query := `
		UPDATE export_attempts
		SET status = $1,
		    result = $2,
		    error_message = $3,
		    heartbeat_at = NULL,
		    updated_at = NOW()
		WHERE id = $4
		  AND status = $5
	`

	rows, err := q.db.ExecContext(ctx, query, status, result, message, attemptID, domain.AttemptRunning)
	if err != nil {
		return fmt.Errorf("failed to update attempt status: %w", err)
	}
	if rows == 0 {
		q.logger.Warn("Attempt no longer running, status not updated",
			slog.Int64("attempt_id", attemptID),
			slog.String("status", string(status)),
		)
		return nil
	}

	q.logger.Info("Attempt status updated",
		slog.Int64("attempt_id", attemptID),
		slog.String("status", string(status)),
	)
	return nil
}

// Release puts a running attempt back to created and counts the retry
func (q *Queue) Release(ctx context.Context, attemptID int64, reason string) error {
	query := `
		UPDATE export_attempts
		SET status = $1,
		    retry_count = retry_count + 1,
		    error_message = $2,
		    heartbeat_at = NULL,
		    updated_at = NOW()
		WHERE id = $3
		  AND status = $4
	`

	if _, err := q.db.ExecContext(ctx, query, domain.AttemptCreated, reason, attemptID, domain.AttemptRunning); err != nil {
		return fmt.Errorf("failed to release attempt: %w", err)
	}

	q.logger.Info("Attempt released for retry",
		slog.Int64("attempt_id", attemptID),
		slog.String("reason", reason),
	)
	return nil
}

// Redispatch recovers attempts whose worker died or whose message was lost.
// Running attempts with a heartbeat older than heartbeatTimeout are released,
// or failed once their retries are spent. Created attempts untouched for
// staleAfter are published again. It returns the number of republished attempts.
func (q *Queue) Redispatch(ctx context.Context, staleAfter, heartbeatTimeout time.Duration) (int, error) {
	now := time.Now().UTC()

	orphaned := `
		UPDATE export_attempts
		SET status = CASE WHEN retry_count < max_retries THEN $1 ELSE $2 END,
		    retry_count = retry_count + 1,
		    error_message = 'worker heartbeat lost',
		    heartbeat_at = NULL,
		    updated_at = $3
		WHERE status = $4
		  AND heartbeat_at < $5
		RETURNING ` + attemptColumns

	var released []domain.AttemptInfo
	err := q.db.SelectContext(ctx, &released, orphaned,
		domain.AttemptCreated, domain.AttemptFailed, now, domain.AttemptRunning, now.Add(-heartbeatTimeout))
	if err != nil {
		return 0, fmt.Errorf("failed to release orphaned attempts: %w", err)
	}

	republished := 0
	for i := range released {
		q.logger.Warn("Released orphaned attempt",
			slog.Int64("attempt_id", released[i].ID),
			slog.String("status", string(released[i].Status)),
			slog.Int("retry_count", released[i].RetryCount),
		)
		if released[i].Status == domain.AttemptCreated {
			q.publish(ctx, &released[i])
			republished++
		}
	}

	stale := `
		UPDATE export_attempts
		SET updated_at = $1
		WHERE status = $2
		  AND updated_at < $3
		RETURNING ` + attemptColumns

	var attempts []domain.AttemptInfo
	if err := q.db.SelectContext(ctx, &attempts, stale, now, domain.AttemptCreated, now.Add(-staleAfter)); err != nil {
		return 0, fmt.Errorf("failed to find stale attempts: %w", err)
	}

	for i := range attempts {
		q.publish(ctx, &attempts[i])
	}
	republished += len(attempts)

	if republished > 0 {
		q.logger.Info("Redispatched attempts",
			slog.Int("count", republished),
		)
	}
	return republished, nil
}

// publish announces an attempt. A failed publish is not returned: the attempt
// row already exists and Redispatch publishes it again.
func (q *Queue) publish(ctx context.Context, attempt *domain.AttemptInfo) {
	if q.publisher == nil {
		return
	}

	body, err := EncodeMessage(attempt)
	if err != nil {
		q.logger.Error("Failed to encode attempt message",
			slog.Int64("attempt_id", attempt.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := q.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		q.logger.Error("Failed to publish attempt, it will be redispatched",
			slog.Int64("attempt_id", attempt.ID),
			slog.String("group_id", attempt.GroupID),
			slog.String("error", err.Error()),
		)
	}
}

// EncodeMessage builds the broker message announcing an attempt
func EncodeMessage(attempt *domain.AttemptInfo) ([]byte, error) {
	return json.Marshal(domain.AttemptMessage{
		AttemptID: attempt.ID,
		GroupID:   attempt.GroupID,
	})
}

// DecodeMessage parses a broker message
func DecodeMessage(body []byte) (*domain.AttemptMessage, error) {
	var msg domain.AttemptMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse attempt message: %w", err)
	}
	if msg.AttemptID <= 0 {
		return nil, fmt.Errorf("invalid attempt_id %d", msg.AttemptID)
	}
	if msg.GroupID == "" {
		return nil, errors.New("group_id is required")
	}
	return &msg, nil
}

func insertAttempt(ctx context.Context, db sqlx.QueryerContext, groupID, definition string, maxRetries int) (*domain.AttemptInfo, error) {
	query := `
		INSERT INTO export_attempts (group_id, definition, status, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING ` + attemptColumns

	var attempt domain.AttemptInfo
	if err := sqlx.GetContext(ctx, db, &attempt, query, groupID, definition, domain.AttemptCreated, maxRetries); err != nil {
		return nil, fmt.Errorf("failed to insert attempt: %w", err)
	}
	return &attempt, nil
}
