package dto

import (
	"time"

	"github.com/cuongbtq/bulk-export/internal/export/domain"
)

type CreateExportRequest struct {
	RequestURI     string     `json:"request_uri" binding:"required"`
	ExportType     string     `json:"export_type" binding:"required"`
	ResourceType   string     `json:"resource_type"`
	Since          *time.Time `json:"since"`
	PatientGroupID string     `json:"patient_group_id"`
}

type CreateExportResponse struct {
	GroupID   string `json:"group_id"`
	AttemptID int64  `json:"attempt_id"`
	Status    string `json:"status"`
}

type ExportStatusResponse struct {
	GroupID  string            `json:"group_id"`
	Status   string            `json:"status"`
	Job      *domain.JobRecord `json:"job"`
	Attempts []AttemptDTO      `json:"attempts"`
}

type AttemptDTO struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type ListExportsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListExportsResponse struct {
	Exports    []ExportGroupDTO `json:"exports"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type ExportGroupDTO struct {
	GroupID         string `json:"group_id"`
	AttemptCount    int    `json:"attempt_count"`
	LatestAttemptID int64  `json:"latest_attempt_id"`
	LatestStatus    string `json:"latest_status"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}
