package tasks

import (
	"errors"
	"time"

	"github.com/imagehive/imagehive/internal/crawler"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrNoCapacity is returned when no idle worker exists and queuing is disabled.
var ErrNoCapacity = errors.New("no idle worker available")

// ErrNotFound is returned when a task is unknown to both the memory store and
// the durable cache.
var ErrNotFound = errors.New("task not found")

// Task is one crawl job tracked by the coordinator. The coordinator owns the
// record; workers only own the transient crawl execution.
type Task struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Options     crawler.Options `json:"options"`
	Status      Status          `json:"status"`
	WorkerID    int             `json:"worker_id,omitempty"` // 0 when unassigned
	Error       string          `json:"error,omitempty"`
	Result      *crawler.Report `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// TaskResult is what callers get back from GetResult.
type TaskResult struct {
	TaskID     string          `json:"task_id"`
	Status     Status          `json:"status"`
	Processing bool            `json:"processing,omitempty"`
	Report     *crawler.Report `json:"report,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// WorkerStats describes one worker for the cluster stats endpoint.
type WorkerStats struct {
	ID     int    `json:"id"`
	Busy   bool   `json:"busy"`
	TaskID string `json:"task_id,omitempty"`
}

// Stats is a snapshot of the coordinator's workers and task counts.
type Stats struct {
	TotalWorkers int           `json:"total_workers"`
	BusyWorkers  int           `json:"busy_workers"`
	IdleWorkers  int           `json:"idle_workers"`
	Workers      []WorkerStats `json:"workers"`
	Pending      int           `json:"pending_tasks"`
	Running      int           `json:"running_tasks"`
	Completed    int           `json:"completed_tasks"`
	Failed       int           `json:"failed_tasks"`
}

// ProgressListener receives advisory progress updates for running tasks.
// Updates are fanned out, never stored.
type ProgressListener func(taskID string, percent int)
