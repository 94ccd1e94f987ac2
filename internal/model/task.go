package model

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
// ULIDs sort lexicographically by creation time, which keeps task listings
// stable without a separate sequence column.
func NewID() string {
	return ulid.Make().String()
}

// Task status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Built-in handler kinds. The registry accepts arbitrary kinds; these name
// the handlers shipped with the server.
const (
	KindShell = "shell"
	KindHTTP  = "http"
)

// validTransitions maps each status to the set of statuses it may transition to.
// There is no kill path: once submitted, a task runs to completion.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether a status is terminal.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Task represents one schedulable, independent unit of work submitted to the
// dispatcher. CohortID is empty for tasks submitted outside a batch.
type Task struct {
	ID         string          `json:"id"`
	CohortID   string          `json:"cohort_id,omitempty"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     string          `json:"status"`
	Output     []byte          `json:"output,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	Error      string          `json:"error,omitempty"`
	TimeoutS   *int            `json:"timeout_s,omitempty"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Cohort is a batch of tasks submitted together whose joint completion is
// awaited via one counter. Cohorts are sealed at creation: every member is
// submitted in the same batch, so the outstanding count only decreases.
type Cohort struct {
	ID        string    `json:"id"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// LogLine represents a single persisted log line emitted by a task execution.
type LogLine struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
