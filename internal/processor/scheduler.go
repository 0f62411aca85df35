package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/shotfolio/internal/common"
	"github.com/jo-hoe/shotfolio/internal/jobs"
	"github.com/jo-hoe/shotfolio/internal/projects"
	"github.com/jo-hoe/shotfolio/internal/util"
)

var (
	// ErrNothingToDo means every candidate project is locked; no job record is written.
	ErrNothingToDo = errors.New("nothing to do: all projects have locked screenshots")
	// ErrJobRunning means a job with the same id is still pending or processing.
	ErrJobRunning = errors.New("screenshot job already running")
)

// Enqueuer accepts work for asynchronous processing (jobs.Queue).
type Enqueuer interface {
	Enqueue(item jobs.WorkItem) error
}

// Scheduler creates job records and hands runs to the queue or runs them inline.
type Scheduler struct {
	log    *slog.Logger
	store  jobs.Store
	queue  Enqueuer
	runner jobs.Processor

	mu sync.Mutex
}

func NewScheduler(log *slog.Logger, store jobs.Store, queue Enqueuer, runner jobs.Processor) *Scheduler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{log: log, store: store, queue: queue, runner: runner}
}

// StartBatch queues a run over the unlocked projects in list order and returns
// the pending job. It returns ErrNothingToDo when none are unlocked.
func (s *Scheduler) StartBatch(ctx context.Context, list []projects.Project, callbackURL string) (*jobs.Job, error) {
	var items []jobs.Item
	for _, p := range projects.Unlocked(list) {
		items = append(items, jobs.Item{ProjectID: p.ID, URL: p.URL})
	}
	if len(items) == 0 {
		return nil, ErrNothingToDo
	}
	job, err := s.create(ctx, common.BatchJobID, len(items), callbackURL)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, jobs.WorkItem{Job: *job, Items: items}); err != nil {
		return nil, err
	}
	s.log.Info("batch job started", "job_id", job.ID, "run_id", job.RunID, "total", job.Total, "skipped_locked", len(list)-len(items))
	return job, nil
}

// StartSingle queues a one-item run keyed single-<projectID>.
func (s *Scheduler) StartSingle(ctx context.Context, projectID, url, callbackURL string) (*jobs.Job, error) {
	job, err := s.create(ctx, common.SingleJobID(projectID), 1, callbackURL)
	if err != nil {
		return nil, err
	}
	item := jobs.WorkItem{Job: *job, Items: []jobs.Item{{ProjectID: projectID, URL: url}}, FailFast: true}
	if err := s.enqueue(ctx, item); err != nil {
		return nil, err
	}
	return job, nil
}

// RunSingle records and runs a one-item job in the caller's goroutine. It
// returns the final job record and the capture error, if any.
func (s *Scheduler) RunSingle(ctx context.Context, projectID, url string) (*jobs.Job, error) {
	job, err := s.create(ctx, common.SingleJobID(projectID), 1, "")
	if err != nil {
		return nil, err
	}
	item := jobs.WorkItem{Job: *job, Items: []jobs.Item{{ProjectID: projectID, URL: url}}, FailFast: true}
	runErr := s.runner.Process(ctx, item)
	final, err := s.store.GetJob(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return nil, errors.Join(runErr, fmt.Errorf("read job: %w", err))
	}
	return final, runErr
}

func (s *Scheduler) create(ctx context.Context, id string, total int, callbackURL string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &jobs.Job{
		ID:        id,
		RunID:     util.NewID(),
		Total:     total,
		StartTime: time.Now().UTC(),
	}
	if callbackURL != "" {
		job.CallbackURL = &callbackURL
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, jobs.ErrJobActive) {
			return nil, ErrJobRunning
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (s *Scheduler) enqueue(ctx context.Context, item jobs.WorkItem) error {
	if err := s.queue.Enqueue(item); err != nil {
		msg := "enqueue: " + err.Error()
		if saveErr := s.store.SaveError(context.WithoutCancel(ctx), item.Job.ID, msg, time.Now().UTC()); saveErr != nil {
			s.log.Error("could not mark unqueued job failed", "job_id", item.Job.ID, "err", saveErr)
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Dropped marks a run that the queue discarded before it started as failed.
// It is registered as the queue's drop handler.
func (s *Scheduler) Dropped(item jobs.WorkItem) {
	if err := s.store.SaveError(context.Background(), item.Job.ID, "dropped: service stopped before the run started", time.Now().UTC()); err != nil {
		s.log.Error("could not mark dropped job failed", "job_id", item.Job.ID, "err", err)
	}
}
