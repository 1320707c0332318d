package model

import "time"

// TaskStatus is the lifecycle state of an analysis task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// TaskTypeClustering is the only task type.
const TaskTypeClustering = "clustering"

// Progress checkpoints reached while a clustering task runs.
const (
	ProgressStarted   = 0
	ProgressLoaded    = 10
	ProgressCleaned   = 20
	ProgressTransform = 30
	ProgressClustered = 50
	ProgressLabeled   = 70
	ProgressPersisted = 90
	ProgressComplete  = 100
)

// TaskParams are the inputs of a clustering task.
type TaskParams struct {
	K        int       `json:"k"`
	Features []Feature `json:"features"`
}

// AnalysisTask is one unit of clustering work.
type AnalysisTask struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Params      TaskParams `json:"params"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ResultID    string     `json:"result_id,omitempty"`
}

// TaskFilter selects a page of tasks.
type TaskFilter struct {
	Status   TaskStatus
	Page     int
	PageSize int
}

const maxPageSize = 50

// Normalize clamps the page to >= 1 and page size to 1..50.
func (f TaskFilter) Normalize() TaskFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return f
}

// Offset is the number of rows to skip for the current page.
func (f TaskFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
