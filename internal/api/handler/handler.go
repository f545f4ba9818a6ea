package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/bulk-export/internal/api/model"
	"github.com/cuongbtq/bulk-export/internal/api/storage"
	"github.com/cuongbtq/bulk-export/internal/export/domain"
)

// AttemptQueue enqueues and lists export attempts
type AttemptQueue interface {
	Enqueue(ctx context.Context, groupID, definition string) (*domain.AttemptInfo, error)
	ListAttempts(ctx context.Context, groupID string) ([]domain.AttemptInfo, error)
}

// JobStore reads, creates and cancels persisted job records
type JobStore interface {
	CreateJob(ctx context.Context, record *domain.JobRecord) (domain.ETag, error)
	GetJobByHash(ctx context.Context, hash string) (*domain.JobRecord, domain.ETag, error)
	CancelJob(ctx context.Context, jobID string) (*domain.JobRecord, error)
}

// GroupLister lists export groups page by page
type GroupLister interface {
	ListGroups(ctx context.Context, filter storage.GroupFilter) ([]model.ExportGroup, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Queue  AttemptQueue
	Jobs   JobStore
	Groups GroupLister
	Health func(ctx context.Context) error
}

// ExportHandler handles export-related HTTP requests
type ExportHandler struct {
	logger *slog.Logger
	queue  AttemptQueue
	jobs   JobStore
	groups GroupLister
}

// NewExportHandler creates a new ExportHandler instance
func NewExportHandler(deps *Dependencies) *ExportHandler {
	return &ExportHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
		jobs:   deps.Jobs,
		groups: deps.Groups,
	}
}
