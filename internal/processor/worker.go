package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jo-hoe/shotfolio/internal/common"
	"github.com/jo-hoe/shotfolio/internal/config"
	"github.com/jo-hoe/shotfolio/internal/jobs"
	"github.com/jo-hoe/shotfolio/internal/screenshot"
)

// Capturer captures and stores one project's screenshot.
type Capturer interface {
	CaptureOne(ctx context.Context, projectID, url string) (*screenshot.Result, error)
}

// Outcomes receives the result of every capture attempt (projects.Recorder).
type Outcomes interface {
	Record(ctx context.Context, projectID, title string, captureErr error) error
}

// Worker implements jobs.Processor: it runs the items of a job one at a time
// and keeps the job record current.
type Worker struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Store    jobs.Store
	Capturer Capturer
	Outcomes Outcomes
	Client   *http.Client
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, cfg *config.Config, store jobs.Store, capturer Capturer, outcomes Outcomes) *Worker {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		Log:      log,
		Cfg:      cfg,
		Store:    store,
		Capturer: capturer,
		Outcomes: outcomes,
		Client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Process advances the job to processing, captures every item in order and
// finishes the job as completed. A capture failure is recorded on the project
// and the run continues, unless item.FailFast is set. A job store failure
// fails the whole job.
func (w *Worker) Process(ctx context.Context, item jobs.WorkItem) (err error) {
	job := item.Job
	log := w.Log.With("job_id", job.ID, "run_id", job.RunID)
	// Store writes outlive cancellation so an interrupted run still ends in a terminal state.
	storeCtx := context.WithoutCancel(ctx)
	progress := 0

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing job: %v", r)
			w.finish(ctx, log, job, progress, err)
		}
	}()

	if err := w.Store.UpdateStatus(storeCtx, job.ID, jobs.StatusProcessing, time.Now().UTC()); err != nil {
		err = fmt.Errorf("update status to processing: %w", err)
		w.finish(ctx, log, job, progress, err)
		return err
	}

	for _, it := range item.Items {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err := fmt.Errorf("interrupted after %d of %d: %w", progress, len(item.Items), ctxErr)
			w.finish(ctx, log, job, progress, err)
			return err
		}

		res, capErr := w.Capturer.CaptureOne(ctx, it.ProjectID, it.URL)
		if capErr != nil {
			log.Error("screenshot failed", "project_id", it.ProjectID, "url", it.URL, "err", capErr)
		}
		if w.Outcomes != nil {
			title := ""
			if res != nil {
				title = res.Title
			}
			if err := w.Outcomes.Record(storeCtx, it.ProjectID, title, capErr); err != nil {
				log.Warn("record screenshot outcome", "project_id", it.ProjectID, "err", err)
			}
		}

		progress++
		if err := w.Store.UpdateProgress(storeCtx, job.ID, progress); err != nil {
			err = fmt.Errorf("update progress: %w", err)
			w.finish(ctx, log, job, progress, err)
			return err
		}
		if capErr != nil && item.FailFast {
			w.finish(ctx, log, job, progress, capErr)
			return capErr
		}
	}

	if err := w.Store.UpdateStatus(storeCtx, job.ID, jobs.StatusCompleted, time.Now().UTC()); err != nil {
		err = fmt.Errorf("update status to completed: %w", err)
		w.finish(ctx, log, job, progress, err)
		return err
	}
	w.finish(ctx, log, job, progress, nil)
	return nil
}

// finish marks the job failed when cause is set and sends the callback.
func (w *Worker) finish(ctx context.Context, log *slog.Logger, job jobs.Job, progress int, cause error) {
	payload := callbackPayload{
		JobID:    job.ID,
		RunID:    job.RunID,
		Status:   common.StatusCompleted,
		Progress: progress,
		Total:    job.Total,
	}
	if cause != nil {
		msg := cause.Error()
		payload.Status = common.StatusFailed
		payload.Error = &msg
		if err := w.Store.SaveError(context.WithoutCancel(ctx), job.ID, msg, time.Now().UTC()); err != nil {
			log.Error("could not mark job failed", "err", err, "cause", cause)
		}
	}

	if job.CallbackURL != nil && *job.CallbackURL != "" {
		if err := w.sendCallbackWithRetry(ctx, *job.CallbackURL, payload); err != nil {
			log.Warn("callback failed after retries", "err", err)
		}
	}
}

type callbackPayload struct {
	JobID    string  `json:"job_id"`
	RunID    string  `json:"run_id"`
	Status   string  `json:"status"` // completed|failed
	Progress int     `json:"progress"`
	Total    int     `json:"total"`
	Error    *string `json:"error,omitempty"`
}

func (w *Worker) sendCallbackWithRetry(ctx context.Context, url string, payload callbackPayload) error {
	max := 3
	backoff := 2 * time.Second
	if w.Cfg != nil {
		if w.Cfg.Server.CallbackRetries > 0 {
			max = w.Cfg.Server.CallbackRetries
		}
		if w.Cfg.Server.CallbackBackoff > 0 {
			backoff = w.Cfg.Server.CallbackBackoff
		}
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		err := w.postJSON(ctx, url, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == max {
			break
		}
		// Sleep with simple backoff; stop when the context ends.
		t := time.NewTimer(time.Duration(attempt) * backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-t.C:
		}
	}
	return lastErr
}

func (w *Worker) postJSON(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
