package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/bulk-export/internal/export/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresSource pages through the export_resources table in id order
type PostgresSource struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresSource creates a new PostgresSource
func NewPostgresSource(db *sqlx.DB, logger *slog.Logger) *PostgresSource {
	return &PostgresSource{
		db:     db,
		logger: logger,
	}
}

// FetchPage returns up to limit resources after the position in token
func (s *PostgresSource) FetchPage(ctx context.Context, query Query, token string, limit int) (*Page, error) {
	lastID, err := DecodeContinuationToken(token)
	if err != nil {
		return nil, err
	}

	sqlQuery, args := buildPageQuery(query, lastID, limit)

	var resources []Resource
	if err := s.db.SelectContext(ctx, &resources, sqlQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to fetch resources: %w", err)
	}

	// One extra row tells us whether another page exists
	page := &Page{Resources: resources}
	if len(resources) > limit {
		page.Resources = resources[:limit]
		page.NextToken = EncodeContinuationToken(page.Resources[limit-1].ID)
	}

	s.logger.Debug("Fetched export page",
		slog.Int64("after_id", lastID),
		slog.Int("count", len(page.Resources)),
		slog.Bool("has_more", page.NextToken != ""),
	)

	return page, nil
}

func buildPageQuery(query Query, lastID int64, limit int) (string, []interface{}) {
	sqlQuery := `
		SELECT id, resource_type, body
		FROM export_resources
		WHERE id > $1
	`
	args := []interface{}{lastID}
	argIdx := 2

	if len(query.ResourceTypes) > 0 {
		sqlQuery += fmt.Sprintf(" AND resource_type = ANY($%d)", argIdx)
		args = append(args, pq.Array(query.ResourceTypes))
		argIdx++
	}

	if query.Since != nil {
		sqlQuery += fmt.Sprintf(" AND last_updated > $%d", argIdx)
		args = append(args, *query.Since)
		argIdx++
	}

	switch query.ExportType {
	case domain.ExportTypePatient:
		sqlQuery += " AND patient_id IS NOT NULL"
	case domain.ExportTypeGroup:
		sqlQuery += fmt.Sprintf(" AND patient_id IN (SELECT patient_id FROM export_group_members WHERE group_id = $%d)", argIdx)
		args = append(args, query.PatientGroupID)
		argIdx++
	}

	sqlQuery += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", argIdx)
	args = append(args, limit+1)

	return sqlQuery, args
}
