package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// OperationStatus is the lifecycle state of an export operation
type OperationStatus string

const (
	StatusQueued    OperationStatus = "queued"
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusCanceled  OperationStatus = "canceled"
)

// IsTerminal reports whether the status is Completed, Failed or Canceled
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses
func (s OperationStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// ExportType selects which resources an export covers
type ExportType string

const (
	ExportTypeAll     ExportType = "all"
	ExportTypePatient ExportType = "patient"
	ExportTypeGroup   ExportType = "group"
)

// Valid reports whether t is a supported export type
func (t ExportType) Valid() bool {
	switch t {
	case ExportTypeAll, ExportTypePatient, ExportTypeGroup:
		return true
	}
	return false
}

// ETag is the optimistic concurrency token of a persisted job record.
// Zero means the record has never been persisted.
type ETag int64

func (e ETag) String() string {
	return strconv.FormatInt(int64(e), 10)
}

// Progress is the checkpoint written after each exported page
type Progress struct {
	ContinuationToken string `json:"continuationToken"`
	Page              int    `json:"page"`
}

// FailureDetails describes why an export failed
type FailureDetails struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

// ExportFileInfo describes one file written by the export
type ExportFileInfo struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Sequence int    `json:"sequence"`
	Count    int    `json:"count"`
}

// JobRecord is the serializable state of one export operation.
// It is the payload of every attempt and is persisted by the export task.
type JobRecord struct {
	ID             string                      `json:"id"`
	Status         OperationStatus             `json:"status"`
	Progress       *Progress                   `json:"progress,omitempty"`
	FailureDetails *FailureDetails             `json:"failureDetails,omitempty"`
	Version        int64                       `json:"version"`
	RequestURI     string                      `json:"requestUri"`
	ExportType     ExportType                  `json:"exportType"`
	ResourceType   string                      `json:"resourceType,omitempty"`
	Since          *time.Time                  `json:"since,omitempty"`
	PatientGroupID string                      `json:"patientGroupId,omitempty"`
	Hash           string                      `json:"hash,omitempty"`
	QueuedTime     time.Time                   `json:"queuedTime"`
	StartTime      *time.Time                  `json:"startTime,omitempty"`
	EndTime        *time.Time                  `json:"endTime,omitempty"`
	Output         map[string][]ExportFileInfo `json:"output,omitempty"`
}

// NewJobRecord creates a queued record for a new export request
func NewJobRecord(requestURI string, exportType ExportType, resourceType string, since *time.Time, patientGroupID, hash string) *JobRecord {
	return &JobRecord{
		Status:         StatusQueued,
		RequestURI:     requestURI,
		ExportType:     exportType,
		ResourceType:   resourceType,
		Since:          since,
		PatientGroupID: patientGroupID,
		Hash:           hash,
		QueuedTime:     time.Now().UTC(),
	}
}

// ETag returns the record's current concurrency token
func (r *JobRecord) ETag() ETag {
	return ETag(r.Version)
}

// IsTerminal reports whether the record reached a final status
func (r *JobRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// HasCheckpoint reports whether the record is running with resumable progress
func (r *JobRecord) HasCheckpoint() bool {
	return r.Status == StatusRunning && r.Progress != nil
}

// Checkpoint records the position after a finished page
func (r *JobRecord) Checkpoint(token string, page int) {
	r.Status = StatusRunning
	r.Progress = &Progress{ContinuationToken: token, Page: page}
}

// Complete marks the export as finished and drops the checkpoint
func (r *JobRecord) Complete() {
	now := time.Now().UTC()
	r.Status = StatusCompleted
	r.Progress = nil
	r.FailureDetails = nil
	r.EndTime = &now
}

// Fail marks the export as failed with the given reason
func (r *JobRecord) Fail(message string, statusCode int) {
	now := time.Now().UTC()
	r.Status = StatusFailed
	r.FailureDetails = &FailureDetails{Message: message, StatusCode: statusCode}
	r.EndTime = &now
}

// Cancel marks the export as canceled
func (r *JobRecord) Cancel() {
	now := time.Now().UTC()
	r.Status = StatusCanceled
	r.FailureDetails = nil
	r.EndTime = &now
}

// AddOutput appends a written file to the record's output list
func (r *JobRecord) AddOutput(file ExportFileInfo) {
	if r.Output == nil {
		r.Output = make(map[string][]ExportFileInfo)
	}
	r.Output[file.Type] = append(r.Output[file.Type], file)
}

// Validate checks the record invariants
func (r *JobRecord) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Status == StatusFailed && r.FailureDetails == nil {
		return fmt.Errorf("failed record has no failure details")
	}
	if r.Status != StatusFailed && r.FailureDetails != nil {
		return fmt.Errorf("failure details set on %s record", r.Status)
	}
	return nil
}

// Marshal serializes the record into an attempt definition
func (r *JobRecord) Marshal() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job record: %w", err)
	}
	return string(data), nil
}

// UnmarshalJobRecord parses an attempt definition and validates it
func UnmarshalJobRecord(definition string) (*JobRecord, error) {
	var record JobRecord
	if err := json.Unmarshal([]byte(definition), &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDefinition, err)
	}

	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDefinition, err)
	}

	return &record, nil
}
