// Package app wires the configured stores, browser session and capture
// pipeline shared by the service and the operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jo-hoe/shotfolio/internal/browser"
	"github.com/jo-hoe/shotfolio/internal/capture"
	"github.com/jo-hoe/shotfolio/internal/config"
	"github.com/jo-hoe/shotfolio/internal/jobs"
	"github.com/jo-hoe/shotfolio/internal/overlay"
	"github.com/jo-hoe/shotfolio/internal/projects"
	"github.com/jo-hoe/shotfolio/internal/screenshot"
	"github.com/jo-hoe/shotfolio/internal/storage"
)

// InterruptedMessage is stored on jobs found unfinished at startup.
const InterruptedMessage = "interrupted: process restarted before the job finished"

// App holds the long-lived collaborators. Close releases them in reverse order.
type App struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Jobs      jobs.Store
	Projects  projects.Store
	Artifacts storage.ArtifactStore
	Browser   *browser.Manager
	Engine    *capture.Engine
	Capturer  *screenshot.Capturer

	closers []func() error
}

// NewLogger returns a text logger writing to w at the named level.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// New opens the stores named by cfg and builds the capture pipeline. The
// browser connects lazily on the first capture. Jobs left pending or
// processing by a previous process are marked failed.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *App, err error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &App{Log: log, Cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	jobStore, err := jobs.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	a.Jobs = jobStore
	a.closers = append(a.closers, jobStore.Close)

	n, err := jobStore.FailInterrupted(ctx, InterruptedMessage, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if n > 0 {
		log.Warn("marked interrupted jobs failed", "count", n)
	}

	if a.Projects, err = openProjects(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Projects.Close)

	if a.Artifacts, err = openArtifacts(ctx, cfg); err != nil {
		return nil, err
	}
	if c, ok := a.Artifacts.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.Browser = browser.NewManager(log.With("component", "browser"), browser.NewChromeDriver(cfg.Browser.Endpoint, cfg.Browser.ExecPath))
	a.closers = append(a.closers, a.Browser.Close)

	a.Engine = capture.NewEngine(capture.Options{
		ViewportWidth: cfg.Browser.ViewportWidth,
		MaxHeight:     cfg.Browser.MaxHeight,
	})
	a.Capturer = screenshot.NewCapturer(log, a.Browser, overlay.New(log, nil), a.Engine, a.Artifacts, screenshot.Options{
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		SettleDelay:       cfg.Browser.SettleDelay,
	})
	log.Info("pipeline ready",
		"projects", cfg.Projects.Driver,
		"artifacts", cfg.Artifacts.Backend,
		"remote_browser", cfg.Browser.Endpoint != "")
	return a, nil
}

func openProjects(ctx context.Context, cfg *config.Config) (projects.Store, error) {
	switch strings.ToLower(cfg.Projects.Driver) {
	case config.DriverPostgres:
		return projects.NewPostgresStore(ctx, cfg.Projects.DSN, int(cfg.Projects.MaxConns), cfg.Projects.DialTimeout)
	case config.DriverSQLite, "":
		path := cfg.Projects.DSN
		if path == "" {
			path = cfg.Server.DatabasePath
		}
		return projects.NewSQLiteStore(path)
	}
	return nil, fmt.Errorf("unsupported projects driver %q", cfg.Projects.Driver)
}

func openArtifacts(ctx context.Context, cfg *config.Config) (storage.ArtifactStore, error) {
	switch strings.ToLower(cfg.Artifacts.Backend) {
	case config.BackendGCS:
		return storage.NewGCSStore(ctx, storage.GCSConfig{
			Bucket:        cfg.Artifacts.GCS.Bucket,
			Prefix:        cfg.Artifacts.GCS.Prefix,
			PublicBaseURL: cfg.Artifacts.GCS.PublicBaseURL,
			Endpoint:      cfg.Artifacts.GCS.Endpoint,
		})
	case config.BackendFilesystem, "":
		return storage.NewFileStore(cfg.Artifacts.Dir, cfg.Artifacts.PublicPath)
	}
	return nil, fmt.Errorf("unsupported artifacts backend %q", cfg.Artifacts.Backend)
}

// Close releases every opened collaborator, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
