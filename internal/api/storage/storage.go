package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/bulk-export/internal/api/model"
	"github.com/cuongbtq/bulk-export/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

// Storage answers the API's read-only queries over export attempts
type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

type GroupFilter struct {
	Status   string
	PageSize int
	Cursor   *GroupCursor
}

type GroupCursor struct {
	CreatedAt time.Time
	GroupID   string
}

// ListGroups returns export groups newest first. It fetches one row more
// than PageSize so the caller can tell whether another page exists.
func (s *Storage) ListGroups(ctx context.Context, filter GroupFilter) ([]model.ExportGroup, error) {
	query, args := buildListGroupsQuery(filter)

	var groups []model.ExportGroup
	err := s.db.SelectContext(ctx, &groups, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list export groups: %w", err)
	}

	return groups, nil
}

func buildListGroupsQuery(filter GroupFilter) (string, []interface{}) {
	query := `
        SELECT
            g.group_id, g.attempt_count, g.latest_attempt_id,
            a.status AS latest_status, g.created_at, a.updated_at
        FROM (
            SELECT group_id, COUNT(*) AS attempt_count, MAX(id) AS latest_attempt_id, MIN(created_at) AS created_at
            FROM export_attempts
            GROUP BY group_id
        ) g
        JOIN export_attempts a ON a.id = g.latest_attempt_id
        WHERE 1=1
    `
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND a.status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (g.created_at, g.group_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.GroupID)
		argIdx += 2
	}

	// Order by created_at DESC, group_id DESC for consistent pagination
	query += " ORDER BY g.created_at DESC, g.group_id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	return query, args
}
