package model

import "time"

// Compilation is the persisted record of one compilation attempt for one unit.
// It mirrors the task lifecycle: a row is created as "pending" on submit and
// driven through "running" to a terminal state by the worker that executes it.
type Compilation struct {
	ID         string     `json:"id"`
	UnitID     string     `json:"unit_id"`
	UnitName   string     `json:"unit_name"`
	Tier       string     `json:"tier"`
	State      string     `json:"state"`
	ArtifactID string     `json:"artifact_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	QueueMS    *int       `json:"queue_ms,omitempty"`
	CompileMS  *int       `json:"compile_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// EventLine is a single persisted compilation lifecycle event for a unit.
type EventLine struct {
	ID        int64     `json:"id"`
	UnitID    string    `json:"unit_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
