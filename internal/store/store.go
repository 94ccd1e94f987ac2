package store

import (
	"context"
	"errors"

	"dispatchd/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Stats holds aggregate execution statistics.
type Stats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// CohortProgress reports how far a cohort's tasks have advanced.
type CohortProgress struct {
	Total    int            `json:"total"`
	Done     int            `json:"done"`
	ByStatus map[string]int `json:"by_status"`
}

// Store defines the persistence operations for tasks and cohorts.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	CreateCohort(ctx context.Context, c *model.Cohort, tasks []*model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, cohortID string, limit, offset int) ([]*model.Task, int, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	UpdateTask(ctx context.Context, t *model.Task) error
	GetCohort(ctx context.Context, id string) (*model.Cohort, error)
	ListCohorts(ctx context.Context, limit, offset int) ([]*model.Cohort, int, error)
	GetCohortProgress(ctx context.Context, id string) (*CohortProgress, error)
	GetStats(ctx context.Context) (*Stats, error)
	InsertLogLine(ctx context.Context, taskID string, seq int, line string) error
	GetLogLines(ctx context.Context, taskID string) ([]model.LogLine, error)
	FailUnfinished(ctx context.Context, reason string) (int64, error)
	Close() error
}
