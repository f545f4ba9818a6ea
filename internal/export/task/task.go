// Package task implements the paginated export task that each attempt runs.
package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuongbtq/bulk-export/internal/export/domain"
)

// Task runs one unit of export work for a job record.
//
// Run mutates record in place, persists it with the given concurrency token
// and returns once the record is Completed, Failed, Canceled, or Running with
// a checkpoint at a page boundary.
type Task interface {
	Run(ctx context.Context, record *domain.JobRecord, etag domain.ETag) (*Outcome, error)
}

// Outcome is the record state observed when a task returns
type Outcome struct {
	Record *domain.JobRecord
	ETag   domain.ETag
}

// Store persists job records with optimistic concurrency
type Store interface {
	CreateJob(ctx context.Context, record *domain.JobRecord) (domain.ETag, error)
	UpdateJob(ctx context.Context, record *domain.JobRecord, etag domain.ETag) (domain.ETag, error)
	GetJob(ctx context.Context, jobID string) (*domain.JobRecord, domain.ETag, error)
	GetJobByHash(ctx context.Context, hash string) (*domain.JobRecord, domain.ETag, error)
}

// Resource is one exported resource
type Resource struct {
	ID           int64           `db:"id"`
	ResourceType string          `db:"resource_type"`
	Body         json.RawMessage `db:"body"`
}

// Page is a batch of resources. NextToken is empty on the last page.
type Page struct {
	Resources []Resource
	NextToken string
}

// Query selects the resources an export covers
type Query struct {
	ExportType     domain.ExportType
	ResourceTypes  []string
	Since          *time.Time
	PatientGroupID string
}

// Source reads resources page by page
type Source interface {
	FetchPage(ctx context.Context, query Query, token string, limit int) (*Page, error)
}

// Sink stores an exported file and returns its URL
type Sink interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) (string, error)
}
