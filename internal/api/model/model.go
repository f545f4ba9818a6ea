package model

import "time"

// ExportGroup summarizes the attempts of one export
type ExportGroup struct {
	GroupID         string    `db:"group_id"`
	AttemptCount    int       `db:"attempt_count"`
	LatestAttemptID int64     `db:"latest_attempt_id"`
	LatestStatus    string    `db:"latest_status"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}
