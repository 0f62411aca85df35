package projects

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Recorder writes capture outcomes back to project records. Success clears the
// error; failure keeps the message. With lockOnSuccess a success locks the
// screenshot and a failure unlocks it; without it the stored lock is left as is.
type Recorder struct {
	log           *slog.Logger
	store         Store
	lockOnSuccess bool
}

func NewRecorder(log *slog.Logger, store Store, lockOnSuccess bool) *Recorder {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{log: log, store: store, lockOnSuccess: lockOnSuccess}
}

// Record applies the outcome of one capture. title fills an empty project title.
func (r *Recorder) Record(ctx context.Context, projectID, title string, captureErr error) error {
	st := ScreenshotState{Title: title}
	if captureErr != nil {
		msg := captureErr.Error()
		st = ScreenshotState{Error: &msg}
	}
	if r.lockOnSuccess {
		st.Locked = Lock(captureErr == nil)
	}
	if err := r.store.UpdateScreenshotState(ctx, projectID, st); err != nil {
		return fmt.Errorf("record screenshot state for %s: %w", projectID, err)
	}
	r.log.Debug("screenshot state recorded", "project_id", projectID, "failed", captureErr != nil, "lock_changed", st.Locked != nil)
	return nil
}
