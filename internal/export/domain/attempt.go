package domain

import "time"

// AttemptStatus is the host-side state of one queued attempt
type AttemptStatus string

const (
	AttemptCreated    AttemptStatus = "created"
	AttemptRunning    AttemptStatus = "running"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptSuperseded AttemptStatus = "superseded"
)

// AttemptInfo is one host-dispatched attempt of a logical export job.
// IDs increase monotonically in creation order, so a higher ID within the
// same group was always enqueued later.
type AttemptInfo struct {
	ID          int64         `db:"id" json:"id"`
	GroupID     string        `db:"group_id" json:"group_id"`
	Definition  string        `db:"definition" json:"definition"`
	Status      AttemptStatus `db:"status" json:"status"`
	Result      string        `db:"result" json:"result,omitempty"`
	Error       string        `db:"error_message" json:"error,omitempty"`
	RetryCount  int           `db:"retry_count" json:"retry_count"`
	MaxRetries  int           `db:"max_retries" json:"max_retries"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
	HeartbeatAt *time.Time    `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
}

// AttemptMessage is the RabbitMQ notification for a new attempt
type AttemptMessage struct {
	AttemptID   int64  `json:"attempt_id"`
	GroupID     string `json:"group_id"`
	DeliveryTag uint64 `json:"-"`
}
