package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jo-hoe/shotfolio/internal/projects"
	"github.com/jo-hoe/shotfolio/internal/screenshot"
)

type fakeCapturer struct {
	fail  map[string]bool
	calls []string
}

func (f *fakeCapturer) CaptureOne(ctx context.Context, projectID, url string) (*screenshot.Result, error) {
	f.calls = append(f.calls, projectID)
	if f.fail[projectID] {
		return nil, &screenshot.CaptureError{ProjectID: projectID, URL: url, Stage: screenshot.StageNavigate, Err: errors.New("timeout")}
	}
	return &screenshot.Result{ProjectID: projectID, Title: "Title " + projectID}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCaptureProjects_LocksSuccessesAndRecordsFailures(t *testing.T) {
	ctx := context.Background()
	store, err := projects.NewSQLiteStore(filepath.Join(t.TempDir(), "p.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer func() { _ = store.Close() }()
	for _, p := range []projects.Project{
		{ID: "a", URL: "https://a.example"},
		{ID: "b", URL: "https://b.example"},
		{ID: "c", URL: ""},
		{ID: "d", URL: "https://d.example", ScreenshotLocked: true},
	} {
		if err := store.Create(ctx, &p); err != nil {
			t.Fatalf("Create %s: %v", p.ID, err)
		}
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	capt := &fakeCapturer{fail: map[string]bool{"b": true}}
	var out bytes.Buffer
	sum := captureProjects(ctx, discardLogger(), projects.Unlocked(list), capt, projects.NewRecorder(discardLogger(), store, true), &out)

	if sum != (captureSummary{captured: 1, failed: 1, skipped: 1}) {
		t.Fatalf("summary = %+v", sum)
	}
	if strings.Join(capt.calls, ",") != "a,b" {
		t.Fatalf("captured %v", capt.calls)
	}
	a, _ := store.Get(ctx, "a")
	if !a.ScreenshotLocked || a.ScreenshotError != nil || a.Title != "Title a" {
		t.Fatalf("a = %+v", a)
	}
	b, _ := store.Get(ctx, "b")
	if b.ScreenshotLocked || b.ScreenshotError == nil {
		t.Fatalf("b = %+v", b)
	}
	if !strings.Contains(out.String(), "OK   a") || !strings.Contains(out.String(), "FAIL b") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestCaptureProjects_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	capt := &fakeCapturer{}
	sum := captureProjects(ctx, discardLogger(), []projects.Project{{ID: "a", URL: "https://a.example"}}, capt, nopOutcomes{}, io.Discard)
	if len(capt.calls) != 0 || sum != (captureSummary{}) {
		t.Fatalf("captured after cancel: %v %+v", capt.calls, sum)
	}
}

type nopOutcomes struct{}

func (nopOutcomes) Record(context.Context, string, string, error) error { return nil }

func TestRootCommand_Wiring(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"capture-unlocked", "capture", "status"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Fatalf("subcommand %s not registered: %v", name, err)
		}
	}
	root.SetArgs([]string{"capture"})
	root.SetOut(io.Discard)
	if err := root.Execute(); err == nil {
		t.Fatalf("capture without project id should fail")
	}
}
