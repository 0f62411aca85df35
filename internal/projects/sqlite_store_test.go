package projects

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "projects.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func TestSQLiteStore_ProjectLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := &Project{
		ID:             "p1",
		URL:            "https://example.com",
		Tags:           []string{"web", "shop"},
		Partner:        strPtr("Acme"),
		CompletionDate: strPtr("2024-05"),
	}
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.URL != p.URL || len(got.Tags) != 2 || got.Tags[1] != "shop" {
		t.Fatalf("project mismatch: %+v", got)
	}
	if got.Partner == nil || *got.Partner != "Acme" || got.ScreenshotLocked || got.ScreenshotError != nil {
		t.Fatalf("unexpected fields: %+v", got)
	}

	msg := "navigate: timeout"
	if err := store.UpdateScreenshotState(ctx, "p1", ScreenshotState{Locked: Lock(false), Error: &msg}); err != nil {
		t.Fatalf("UpdateScreenshotState: %v", err)
	}
	got, _ = store.Get(ctx, "p1")
	if got.ScreenshotError == nil || *got.ScreenshotError != msg {
		t.Fatalf("error not recorded: %+v", got.ScreenshotError)
	}

	if err := store.UpdateScreenshotState(ctx, "p1", ScreenshotState{Locked: Lock(true), Title: "Example"}); err != nil {
		t.Fatalf("UpdateScreenshotState: %v", err)
	}
	got, _ = store.Get(ctx, "p1")
	if !got.ScreenshotLocked || got.ScreenshotError != nil || got.Title != "Example" {
		t.Fatalf("success not recorded: %+v", got)
	}

	// a title that is already set is kept
	if err := store.UpdateScreenshotState(ctx, "p1", ScreenshotState{Title: "Other"}); err != nil {
		t.Fatalf("UpdateScreenshotState: %v", err)
	}
	// a nil Locked keeps the stored flag
	if got, _ = store.Get(ctx, "p1"); got.Title != "Example" || !got.ScreenshotLocked {
		t.Fatalf("title or lock overwritten: %+v", got)
	}

	if err := store.Delete(ctx, "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
	if err := store.Delete(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete err = %v", err)
	}
}

func TestSQLiteStore_ListOrderAndUnlocked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		p := &Project{ID: id, URL: "https://" + id + ".example", CreatedAt: base.Add(time.Duration(i) * time.Minute), ScreenshotLocked: id == "b"}
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].ID != "a" || list[2].ID != "c" {
		t.Fatalf("list order: %+v", list)
	}
	unlocked := Unlocked(list)
	if len(unlocked) != 2 || unlocked[0].ID != "a" || unlocked[1].ID != "c" {
		t.Fatalf("unlocked = %+v", unlocked)
	}
}

func TestSQLiteStore_UpdateUnknown(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpdateScreenshotState(context.Background(), "nope", ScreenshotState{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestRecorder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, &Project{ID: "p1", URL: "https://example.com"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := NewRecorder(nil, store, true)
	if err := rec.Record(ctx, "p1", "", errors.New("capture p1: navigate: boom")); err != nil {
		t.Fatalf("Record failure: %v", err)
	}
	got, _ := store.Get(ctx, "p1")
	if got.ScreenshotLocked || got.ScreenshotError == nil {
		t.Fatalf("failure not recorded: %+v", got)
	}

	if err := rec.Record(ctx, "p1", "Example Domain", nil); err != nil {
		t.Fatalf("Record success: %v", err)
	}
	got, _ = store.Get(ctx, "p1")
	if !got.ScreenshotLocked || got.ScreenshotError != nil || got.Title != "Example Domain" {
		t.Fatalf("success not recorded: %+v", got)
	}

	if err := NewRecorder(nil, store, false).Record(ctx, "missing", "", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown project err = %v", err)
	}
}

func TestRecorder_WithoutLock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	msg := "old"
	if err := store.Create(ctx, &Project{ID: "p1", URL: "https://example.com", ScreenshotError: &msg}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := NewRecorder(nil, store, false).Record(ctx, "p1", "", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, _ := store.Get(ctx, "p1")
	if got.ScreenshotLocked || got.ScreenshotError != nil {
		t.Fatalf("unexpected state: %+v", got)
	}
}

func TestRecorder_WithoutLockKeepsStoredLock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, &Project{ID: "p1", URL: "https://example.com", ScreenshotLocked: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec := NewRecorder(nil, store, false)
	if err := rec.Record(ctx, "p1", "Title", nil); err != nil {
		t.Fatalf("Record success: %v", err)
	}
	if got, _ := store.Get(ctx, "p1"); !got.ScreenshotLocked {
		t.Fatalf("success unlocked the project: %+v", got)
	}
	if err := rec.Record(ctx, "p1", "", errors.New("navigate: boom")); err != nil {
		t.Fatalf("Record failure: %v", err)
	}
	got, _ := store.Get(ctx, "p1")
	if !got.ScreenshotLocked || got.ScreenshotError == nil {
		t.Fatalf("failure changed the lock or lost the error: %+v", got)
	}
}
