package jobs

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a screenshot job. It only moves forward.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrJobActive is returned when creating a job over a record that is still pending or processing.
	ErrJobActive = errors.New("job is still active")
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// predecessors lists the states each status may be entered from.
var predecessors = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusPending, StatusProcessing},
}

// CanAdvanceTo reports whether s -> next is a forward transition.
func (s Status) CanAdvanceTo(next Status) bool {
	for _, from := range predecessors[next] {
		if from == s {
			return true
		}
	}
	return false
}

// Job is the persisted status of one batch ("all") or single-project ("single-<id>") run.
type Job struct {
	ID          string     `json:"job_id"`                 // job key; reused across runs
	RunID       string     `json:"run_id"`                 // UUIDv4, unique per run
	Status      Status     `json:"status"`                 // current status
	Progress    int        `json:"progress"`               // items attempted so far
	Total       int        `json:"total"`                  // items in this run
	StartTime   time.Time  `json:"start_time"`             // when the run was created
	EndTime     *time.Time `json:"end_time,omitempty"`     // set on completed/failed
	Error       *string    `json:"error,omitempty"`        // set only when failed
	CallbackURL *string    `json:"callback_url,omitempty"` // optional completion callback
}

// Item is one project to capture.
type Item struct {
	ProjectID string
	URL       string
}

// Store persists Job records, one row per job id.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	UpdateStatus(ctx context.Context, id string, status Status, at time.Time) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	SaveError(ctx context.Context, id string, errMsg string, at time.Time) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	FailInterrupted(ctx context.Context, errMsg string, at time.Time) (int, error)
	Close() error
}
