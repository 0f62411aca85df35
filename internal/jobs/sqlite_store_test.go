package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	cb := "http://example.com/callback"
	job := &Job{ID: "all", RunID: "run-1", Total: 3, StartTime: now, CallbackURL: &cb}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	got, err := store.GetJob(ctx, "all")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatusPending || got.Total != 3 || got.Progress != 0 || !got.StartTime.Equal(now) {
		t.Fatalf("pending job mismatch: %+v", got)
	}
	if got.CallbackURL == nil || *got.CallbackURL != cb {
		t.Fatalf("callback mismatch: %+v", got.CallbackURL)
	}

	if err := store.UpdateStatus(ctx, "all", StatusProcessing, now); err != nil {
		t.Fatalf("UpdateStatus processing: %v", err)
	}
	for p := 1; p <= 3; p++ {
		if err := store.UpdateProgress(ctx, "all", p); err != nil {
			t.Fatalf("UpdateProgress %d: %v", p, err)
		}
	}
	end := now.Add(5 * time.Second)
	if err := store.UpdateStatus(ctx, "all", StatusCompleted, end); err != nil {
		t.Fatalf("UpdateStatus completed: %v", err)
	}

	got, err = store.GetJob(ctx, "all")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatusCompleted || got.Progress != 3 {
		t.Fatalf("job not completed: %+v", got)
	}
	if got.EndTime == nil || !got.EndTime.Equal(end) {
		t.Fatalf("end time mismatch: %v", got.EndTime)
	}
	if got.Error != nil {
		t.Fatalf("error set on completed job: %q", *got.Error)
	}
}

func TestSQLiteStore_ForwardOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreateJob(ctx, &Job{ID: "j", RunID: "r", Total: 1}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	// pending cannot complete directly
	if err := store.UpdateStatus(ctx, "j", StatusCompleted, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->completed err = %v", err)
	}
	// progress only while processing
	if err := store.UpdateProgress(ctx, "j", 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("progress while pending err = %v", err)
	}
	if err := store.UpdateStatus(ctx, "j", StatusProcessing, now); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := store.UpdateStatus(ctx, "j", StatusPending, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("processing->pending err = %v", err)
	}
	if err := store.UpdateProgress(ctx, "j", 2); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("progress beyond total err = %v", err)
	}
	if err := store.UpdateProgress(ctx, "j", 1); err != nil {
		t.Fatalf("progress 1: %v", err)
	}
	if err := store.UpdateProgress(ctx, "j", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("decreasing progress err = %v", err)
	}
	if err := store.SaveError(ctx, "j", "store down", now); err != nil {
		t.Fatalf("SaveError: %v", err)
	}
	if err := store.UpdateStatus(ctx, "j", StatusCompleted, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed->completed err = %v", err)
	}
	if err := store.SaveError(ctx, "j", "again", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second SaveError err = %v", err)
	}
	got, _ := store.GetJob(ctx, "j")
	if got.Status != StatusFailed || got.Error == nil || *got.Error != "store down" || got.EndTime == nil {
		t.Fatalf("failed job mismatch: %+v", got)
	}
}

func TestSQLiteStore_CreateReplacesOnlyTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreateJob(ctx, &Job{ID: "all", RunID: "r1", Total: 2}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.CreateJob(ctx, &Job{ID: "all", RunID: "r2", Total: 5}); !errors.Is(err, ErrJobActive) {
		t.Fatalf("create over active err = %v", err)
	}
	if err := store.SaveError(ctx, "all", "boom", now); err != nil {
		t.Fatalf("SaveError: %v", err)
	}
	if err := store.CreateJob(ctx, &Job{ID: "all", RunID: "r2", Total: 5}); err != nil {
		t.Fatalf("create over terminal: %v", err)
	}
	got, _ := store.GetJob(ctx, "all")
	if got.RunID != "r2" || got.Status != StatusPending || got.Total != 5 || got.Error != nil || got.EndTime != nil {
		t.Fatalf("replaced job mismatch: %+v", got)
	}
}

func TestSQLiteStore_NotFoundAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob err = %v", err)
	}
	if err := store.UpdateStatus(ctx, "missing", StatusProcessing, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateStatus err = %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	if err := store.CreateJob(ctx, &Job{ID: "single-p1", RunID: "r1", Total: 1, StartTime: base}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.CreateJob(ctx, &Job{ID: "all", RunID: "r2", Total: 4, StartTime: base.Add(time.Minute)}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	list, err := store.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(list) != 2 || list[0].ID != "all" || list[1].ID != "single-p1" {
		t.Fatalf("list = %+v", list)
	}
}

func TestSQLiteStore_FailInterrupted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.CreateJob(ctx, &Job{ID: id, RunID: id, Total: 1}); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	_ = store.UpdateStatus(ctx, "b", StatusProcessing, now)
	_ = store.UpdateStatus(ctx, "c", StatusProcessing, now)
	_ = store.UpdateProgress(ctx, "c", 1)
	_ = store.UpdateStatus(ctx, "c", StatusCompleted, now)

	n, err := store.FailInterrupted(ctx, "interrupted by restart", now)
	if err != nil {
		t.Fatalf("FailInterrupted: %v", err)
	}
	if n != 2 {
		t.Fatalf("failed %d jobs, want 2", n)
	}
	if got, _ := store.GetJob(ctx, "c"); got.Status != StatusCompleted {
		t.Fatalf("completed job touched: %+v", got)
	}
	if got, _ := store.GetJob(ctx, "a"); got.Status != StatusFailed || got.Error == nil {
		t.Fatalf("pending job not failed: %+v", got)
	}
}

func TestStatus_CanAdvanceTo(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
	}
	for _, c := range cases {
		if got := c.from.CanAdvanceTo(c.to); got != c.want {
			t.Fatalf("%s -> %s = %v, want %v", c.from, c.to, got, c.want)
		}
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() || StatusProcessing.Terminal() {
		t.Fatalf("Terminal mismatch")
	}
}
