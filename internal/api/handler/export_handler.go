package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apidomain "github.com/cuongbtq/bulk-export/internal/api/domain"
	"github.com/cuongbtq/bulk-export/internal/api/dto"
	"github.com/cuongbtq/bulk-export/internal/api/storage"
	"github.com/cuongbtq/bulk-export/internal/export/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateExport handles POST /api/v1/exports
// Queues the first attempt of a new export group
func (h *ExportHandler) CreateExport(c *gin.Context) {
	var req dto.CreateExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	exportType := domain.ExportType(req.ExportType)
	if !exportType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "export_type must be one of all, patient, group",
		})
		return
	}

	if exportType == domain.ExportTypeGroup && req.PatientGroupID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "patient_group_id is required for group exports",
		})
		return
	}

	groupID := uuid.NewString()
	hash := domain.RequestHash(groupID, req.RequestURI, exportType, req.ResourceType, req.Since, req.PatientGroupID)
	record := domain.NewJobRecord(req.RequestURI, exportType, req.ResourceType, req.Since, req.PatientGroupID, hash)

	definition, err := record.Marshal()
	if err != nil {
		h.logger.Error("Failed to serialize export record", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create export",
		})
		return
	}

	attempt, err := h.queue.Enqueue(c.Request.Context(), groupID, definition)
	if err != nil {
		h.logger.Error("Failed to enqueue export", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create export",
		})
		return
	}

	h.logger.Info("Export queued",
		slog.String("group_id", groupID),
		slog.Int64("attempt_id", attempt.ID),
		slog.String("export_type", string(exportType)),
	)

	c.Header("Content-Location", "/api/v1/exports/"+groupID)
	c.JSON(http.StatusAccepted, dto.CreateExportResponse{
		GroupID:   groupID,
		AttemptID: attempt.ID,
		Status:    string(record.Status),
	})
}

// GetExport handles GET /api/v1/exports/:group_id
// Returns the export's current record and all of its attempts
func (h *ExportHandler) GetExport(c *gin.Context) {
	groupID, ok := h.groupParam(c)
	if !ok {
		return
	}

	attempts, record, err := h.loadGroup(c.Request.Context(), groupID)
	if err != nil {
		h.writeGroupError(c, groupID, err)
		return
	}

	items := make([]dto.AttemptDTO, len(attempts))
	for i, attempt := range attempts {
		items[i] = dto.AttemptDTO{
			ID:         attempt.ID,
			Status:     string(attempt.Status),
			RetryCount: attempt.RetryCount,
			MaxRetries: attempt.MaxRetries,
			Error:      attempt.Error,
			CreatedAt:  attempt.CreatedAt.Format(time.RFC3339),
			UpdatedAt:  attempt.UpdatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, dto.ExportStatusResponse{
		GroupID:  groupID,
		Status:   string(record.Status),
		Job:      record,
		Attempts: items,
	})
}

// ListExports handles GET /api/v1/exports
// Lists export groups newest first with cursor pagination
func (h *ExportHandler) ListExports(c *gin.Context) {
	var req dto.ListExportsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeGroupCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	groups, err := h.groups.ListGroups(c.Request.Context(), storage.GroupFilter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list exports", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list exports",
		})
		return
	}

	hasMore := len(groups) > req.PageSize
	if hasMore {
		groups = groups[:req.PageSize]
	}

	items := make([]dto.ExportGroupDTO, len(groups))
	for i, group := range groups {
		items[i] = dto.ExportGroupDTO{
			GroupID:         group.GroupID,
			AttemptCount:    group.AttemptCount,
			LatestAttemptID: group.LatestAttemptID,
			LatestStatus:    group.LatestStatus,
			CreatedAt:       group.CreatedAt.Format(time.RFC3339),
			UpdatedAt:       group.UpdatedAt.Format(time.RFC3339),
		}
	}

	var nextCursor string
	if hasMore {
		last := groups[len(groups)-1]
		nextCursor = EncodeGroupCursor(&storage.GroupCursor{
			CreatedAt: last.CreatedAt,
			GroupID:   last.GroupID,
		})
	}

	c.JSON(http.StatusOK, dto.ListExportsResponse{
		Exports:    items,
		NextCursor: nextCursor,
	})
}

// CancelExport handles POST /api/v1/exports/:group_id/cancel
// Marks the stored record canceled; the running task stops at its next write.
// A queued export gets a canceled record under its request hash, which the
// first attempt adopts instead of creating its own.
func (h *ExportHandler) CancelExport(c *gin.Context) {
	groupID, ok := h.groupParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	_, record, err := h.loadGroup(ctx, groupID)
	if err != nil {
		h.writeGroupError(c, groupID, err)
		return
	}

	if record.ID == "" {
		if record.Hash == "" {
			h.writeGroupError(c, groupID, apidomain.ErrExportNotStarted)
			return
		}

		record, err = h.cancelQueued(ctx, record)
		if err != nil {
			h.writeGroupError(c, groupID, err)
			return
		}
		if record.Status == domain.StatusCanceled {
			h.logger.Info("Queued export canceled",
				slog.String("group_id", groupID),
				slog.String("job_id", record.ID),
			)
			c.JSON(http.StatusAccepted, gin.H{
				"group_id": groupID,
				"job_id":   record.ID,
				"status":   string(record.Status),
			})
			return
		}
	}

	canceled, err := h.jobs.CancelJob(ctx, record.ID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyTerminal) {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "Export already finished",
				"status": string(canceled.Status),
			})
			return
		}
		h.writeGroupError(c, groupID, err)
		return
	}

	h.logger.Info("Export canceled",
		slog.String("group_id", groupID),
		slog.String("job_id", canceled.ID),
	)

	c.JSON(http.StatusAccepted, gin.H{
		"group_id": groupID,
		"job_id":   canceled.ID,
		"status":   string(canceled.Status),
	})
}

// cancelQueued persists the queued record as canceled. When the first attempt
// has created the record in the meantime, the stored record is returned so the
// caller cancels it through the version check.
func (h *ExportHandler) cancelQueued(ctx context.Context, record *domain.JobRecord) (*domain.JobRecord, error) {
	canceled := *record
	canceled.ID = uuid.NewString()
	canceled.Cancel()

	_, err := h.jobs.CreateJob(ctx, &canceled)
	if err == nil {
		return &canceled, nil
	}
	if !errors.Is(err, domain.ErrJobAlreadyExists) {
		return nil, err
	}

	stored, _, err := h.jobs.GetJobByHash(ctx, record.Hash)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (h *ExportHandler) groupParam(c *gin.Context) (string, bool) {
	groupID := c.Param("group_id")
	if _, err := uuid.Parse(groupID); err != nil {
		h.logger.Error("Invalid group_id format", slog.String("group_id", groupID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "group_id must be a valid UUID",
		})
		return "", false
	}
	return groupID, true
}

// loadGroup returns the group's attempts and the freshest view of its record:
// the stored record once the first attempt has persisted it, otherwise the
// queued definition of the first attempt.
func (h *ExportHandler) loadGroup(ctx context.Context, groupID string) ([]domain.AttemptInfo, *domain.JobRecord, error) {
	attempts, err := h.queue.ListAttempts(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if len(attempts) == 0 {
		return nil, nil, apidomain.ErrGroupNotFound
	}

	record, err := domain.UnmarshalJobRecord(attempts[0].Definition)
	if err != nil {
		return nil, nil, err
	}

	if record.Hash == "" {
		return attempts, record, nil
	}

	stored, _, err := h.jobs.GetJobByHash(ctx, record.Hash)
	if errors.Is(err, domain.ErrJobNotFound) {
		return attempts, record, nil
	}
	if err != nil {
		return nil, nil, err
	}

	return attempts, stored, nil
}

func (h *ExportHandler) writeGroupError(c *gin.Context, groupID string, err error) {
	switch {
	case errors.Is(err, apidomain.ErrGroupNotFound), errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Export not found",
		})
	case errors.Is(err, apidomain.ErrExportNotStarted):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Export has not started yet",
		})
	default:
		h.logger.Error("Failed to load export",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load export",
		})
	}
}
