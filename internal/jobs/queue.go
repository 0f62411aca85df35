package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/shotfolio/internal/common"
)

var (
	ErrQueueFull       = errors.New("queue is full")
	ErrQueueNotStarted = errors.New("queue not started")
	ErrQueueClosed     = errors.New("queue is shut down")
)

// WorkItem is one run: the job record as created and the projects to capture in order.
type WorkItem struct {
	Job   Job
	Items []Item
	// FailFast fails the job on the first capture error instead of continuing.
	FailFast bool
}

// Processor defines how to process a WorkItem.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

type queueState int

const (
	stateIdle queueState = iota
	stateRunning
	stateStopped
)

// Queue buffers runs for a fixed pool of workers. With one worker, runs
// execute strictly one after another in enqueue order.
type Queue struct {
	log     *slog.Logger
	pending chan WorkItem
	workers int
	onDrop  func(WorkItem)

	mu       sync.Mutex
	state    queueState
	stop     context.CancelFunc
	active   sync.WaitGroup
	stopOnce sync.Once
}

// NewQueue returns a Queue buffering up to capacity runs for workers goroutines.
func NewQueue(logger *slog.Logger, capacity int, workers int) *Queue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &Queue{
		log:     logger,
		pending: make(chan WorkItem, capacity),
		workers: workers,
	}
}

// OnDrop registers fn for runs still buffered when Shutdown gives up on them.
// It must be set before Start.
func (q *Queue) OnDrop(fn func(WorkItem)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = fn
}

// Start launches the workers. They stop when ctx is cancelled or on Shutdown.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.state {
	case stateRunning:
		return errors.New("queue already started")
	case stateStopped:
		return ErrQueueClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	q.stop = cancel
	for i := 0; i < q.workers; i++ {
		q.active.Add(1)
		go q.work(ctx, p, q.log.With("worker", i))
	}
	q.state = stateRunning
	return nil
}

func (q *Queue) work(ctx context.Context, p Processor, log *slog.Logger) {
	defer q.active.Done()
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping", "err", ctx.Err())
			return
		case item, ok := <-q.pending:
			if !ok {
				log.Debug("queue closed, worker exiting")
				return
			}
			runLog := log.With("job_id", item.Job.ID, "run_id", item.Job.RunID)
			runLog.Info("run started", "total", len(item.Items))
			start := time.Now()
			if err := p.Process(ctx, item); err != nil {
				runLog.Error("run failed", "err", err, "duration", time.Since(start))
			} else {
				runLog.Info("run finished", "duration", time.Since(start))
			}
		}
	}
}

// Enqueue buffers item without blocking.
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.state {
	case stateIdle:
		return ErrQueueNotStarted
	case stateStopped:
		return ErrQueueClosed
	}
	select {
	case q.pending <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting runs, cancels the running one and waits up to
// deadline (zero waits indefinitely) for the workers. Runs that never started
// are passed to the OnDrop handler.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.state = stateStopped
		if q.stop != nil {
			q.stop()
		}
		close(q.pending)
		onDrop := q.onDrop
		q.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.active.Wait()
		}()
		if deadline > 0 {
			timer := time.NewTimer(deadline)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				q.log.Warn("queue shutdown deadline reached; a run may still be in progress")
			}
		} else {
			<-done
		}

		for item := range q.pending {
			q.log.Warn("dropping run that never started", "job_id", item.Job.ID, "run_id", item.Job.RunID)
			if onDrop != nil {
				onDrop(item)
			}
		}
	})
}
