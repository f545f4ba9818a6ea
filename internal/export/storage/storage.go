package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/bulk-export/internal/export/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations
const uniqueViolation = "23505"

// Storage persists export job records. Every write is guarded by the
// record version, which doubles as the record's ETag.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

type jobRow struct {
	ID      string `db:"id"`
	Version int64  `db:"version"`
	Record  []byte `db:"record"`
}

// CreateJob inserts a new record at version 1
func (s *Storage) CreateJob(ctx context.Context, record *domain.JobRecord) (domain.ETag, error) {
	query := `
		INSERT INTO export_jobs (id, hash, status, version, record, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, NOW(), NOW())
	`

	record.Version = 1
	body, err := record.Marshal()
	if err != nil {
		record.Version = 0
		return 0, err
	}

	_, err = s.db.ExecContext(ctx, query, record.ID, record.Hash, string(record.Status), record.Version, body)
	if err != nil {
		record.Version = 0
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, domain.ErrJobAlreadyExists
		}
		return 0, fmt.Errorf("failed to create export job: %w", err)
	}

	s.logger.Info("Export job record created",
		slog.String("job_id", record.ID),
		slog.String("status", string(record.Status)),
	)

	return record.ETag(), nil
}

// UpdateJob writes the record if its stored version still equals etag
func (s *Storage) UpdateJob(ctx context.Context, record *domain.JobRecord, etag domain.ETag) (domain.ETag, error) {
	query := `
		UPDATE export_jobs
		SET status = $1,
		    version = $2,
		    record = $3,
		    updated_at = NOW()
		WHERE id = $4
		  AND version = $5
	`

	previous := record.Version
	record.Version = int64(etag) + 1
	body, err := record.Marshal()
	if err != nil {
		record.Version = previous
		return etag, err
	}

	result, err := s.db.ExecContext(ctx, query, string(record.Status), record.Version, body, record.ID, int64(etag))
	if err != nil {
		record.Version = previous
		return etag, fmt.Errorf("failed to update export job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		record.Version = previous
		return etag, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		record.Version = previous
		s.logger.Warn("Export job update rejected - version changed or job missing",
			slog.String("job_id", record.ID),
			slog.Int64("expected_version", int64(etag)),
		)
		return etag, domain.ErrConcurrencyConflict
	}

	s.logger.Debug("Export job record updated",
		slog.String("job_id", record.ID),
		slog.String("status", string(record.Status)),
		slog.Int64("version", record.Version),
	)

	return record.ETag(), nil
}

// GetJob retrieves a record by id
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.JobRecord, domain.ETag, error) {
	return s.getJob(ctx, `SELECT id, version, record FROM export_jobs WHERE id = $1`, jobID)
}

// GetJobByHash retrieves a record by its request hash
func (s *Storage) GetJobByHash(ctx context.Context, hash string) (*domain.JobRecord, domain.ETag, error) {
	return s.getJob(ctx, `SELECT id, version, record FROM export_jobs WHERE hash = $1`, hash)
}

func (s *Storage) getJob(ctx context.Context, query string, arg string) (*domain.JobRecord, domain.ETag, error) {
	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, domain.ErrJobNotFound
		}
		return nil, 0, fmt.Errorf("failed to get export job: %w", err)
	}

	record, err := domain.UnmarshalJobRecord(string(row.Record))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode export job %s: %w", row.ID, err)
	}
	record.Version = row.Version

	return record, record.ETag(), nil
}

// CancelJob marks a stored record as canceled, retrying on version conflicts.
// The running export task notices the bumped version on its next write.
func (s *Storage) CancelJob(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	for {
		record, etag, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if record.IsTerminal() {
			return record, domain.ErrJobAlreadyTerminal
		}

		record.Cancel()
		if _, err := s.UpdateJob(ctx, record, etag); err != nil {
			if errors.Is(err, domain.ErrConcurrencyConflict) {
				continue
			}
			return nil, err
		}

		s.logger.Info("Export job canceled",
			slog.String("job_id", jobID),
		)
		return record, nil
	}
}
