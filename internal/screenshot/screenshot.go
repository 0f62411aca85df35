package screenshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/shotfolio/internal/browser"
	"github.com/jo-hoe/shotfolio/internal/capture"
	"github.com/jo-hoe/shotfolio/internal/overlay"
	"github.com/jo-hoe/shotfolio/internal/storage"
)

// Stage names the step of a capture that failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageBrowser  Stage = "browser"
	StageNavigate Stage = "navigate"
	StageCapture  Stage = "capture"
	StageEncode   Stage = "encode"
	StageStore    Stage = "store"
)

// CaptureError is the single failure type returned by CaptureOne.
type CaptureError struct {
	ProjectID string
	URL       string
	Stage     Stage
	Err       error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s (%s): %s: %v", e.ProjectID, e.URL, e.Stage, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Sessions hands out scoped browser pages.
type Sessions interface {
	WithPage(ctx context.Context, fn func(ctx context.Context, p browser.Page) error) error
}

// Artifacts persists final images keyed by project id.
type Artifacts interface {
	Save(ctx context.Context, key string, data []byte) error
}

// Options controls page loading.
type Options struct {
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
}

// Result describes a stored capture.
type Result struct {
	ProjectID string
	// Title is the document title, empty when the page has none.
	Title string
	Clip  browser.Clip
	Size  int
}

// Capturer runs the end-to-end capture for one project.
type Capturer struct {
	log        *slog.Logger
	sessions   Sessions
	suppressor *overlay.Suppressor
	engine     *capture.Engine
	artifacts  Artifacts
	opts       Options

	// sleep waits out the settle delay; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCapturer wires a Capturer. A zero NavigationTimeout defaults to 30s.
func NewCapturer(log *slog.Logger, sessions Sessions, suppressor *overlay.Suppressor, engine *capture.Engine, artifacts Artifacts, opts Options) *Capturer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	return &Capturer{
		log:        log,
		sessions:   sessions,
		suppressor: suppressor,
		engine:     engine,
		artifacts:  artifacts,
		opts:       opts,
		sleep:      sleepCtx,
	}
}

// CaptureOne renders rawURL, stores the thumbnail under projectID and reports
// the outcome. On any error no artifact is written; a previous one is kept.
func (c *Capturer) CaptureOne(ctx context.Context, projectID, rawURL string) (*Result, error) {
	fail := func(stage Stage, err error) (*Result, error) {
		return nil, &CaptureError{ProjectID: projectID, URL: rawURL, Stage: stage, Err: err}
	}
	if strings.TrimSpace(projectID) == "" {
		return fail(StageValidate, errors.New("empty project id"))
	}
	// the id is the artifact key; reject it before any browser work
	if err := storage.ValidateKey(projectID); err != nil {
		return fail(StageValidate, err)
	}
	if err := validateURL(rawURL); err != nil {
		return fail(StageValidate, err)
	}

	var (
		raw   []byte
		clip  browser.Clip
		title string
		stage = StageBrowser
	)
	err := c.sessions.WithPage(ctx, func(ctx context.Context, p browser.Page) error {
		// reset on retry
		raw, title, stage = nil, "", StageNavigate
		opts := c.engine.Options()
		if err := p.SetViewport(ctx, opts.ViewportWidth, opts.MaxHeight); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}

		navCtx, cancel := context.WithTimeout(ctx, c.opts.NavigationTimeout)
		err := p.Navigate(navCtx, rawURL)
		cancel()
		if err != nil {
			return err
		}
		if err := c.sleep(ctx, c.opts.SettleDelay); err != nil {
			return err
		}

		stage = StageCapture
		rep := c.suppressor.Suppress(ctx, p)
		c.log.Debug("overlays suppressed", "project", projectID, "attempted", rep.Attempted, "removed", rep.Removed, "failed", len(rep.Failed))

		if t, err := p.Title(ctx); err == nil {
			title = strings.TrimSpace(t)
		} else {
			c.log.Debug("read title", "project", projectID, "err", err)
		}

		raw, clip, err = c.engine.Snapshot(ctx, p)
		return err
	})
	if err != nil {
		return fail(stage, err)
	}

	thumb, err := c.engine.Thumbnail(raw)
	if err != nil {
		return fail(StageEncode, err)
	}
	if err := c.artifacts.Save(ctx, projectID, thumb); err != nil {
		return fail(StageStore, err)
	}
	c.log.Info("screenshot stored", "project", projectID, "bytes", len(thumb), "clip_height", clip.Height)
	return &Result{ProjectID: projectID, Title: title, Clip: clip, Size: len(thumb)}, nil
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
