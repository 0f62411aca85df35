package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// maxAttempts bounds WithPage to the first try plus one retry on a fresh connection.
const maxAttempts = 2

// Clip is a capture region in CSS pixels.
type Clip struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Page is a single browser tab.
type Page interface {
	SetViewport(ctx context.Context, width, height int) error
	// Navigate loads url and returns once the DOM has been parsed.
	Navigate(ctx context.Context, url string) error
	// Evaluate runs a JavaScript expression and decodes its JSON result into res (nil discards it).
	Evaluate(ctx context.Context, expression string, res any) error
	Screenshot(ctx context.Context, clip Clip, quality int) ([]byte, error)
	Title(ctx context.Context) (string, error)
	Close() error
}

// Conn is a live connection to a browser.
type Conn interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Driver creates browser connections.
type Driver interface {
	Connect(ctx context.Context) (Conn, error)
}

// Manager owns at most one browser connection, created on first use and
// replaced when it is found broken.
type Manager struct {
	log    *slog.Logger
	driver Driver

	mu   sync.Mutex
	conn Conn
}

// NewManager returns a Manager that connects lazily through driver.
func NewManager(log *slog.Logger, driver Driver) *Manager {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{log: log, driver: driver}
}

// WithPage opens a new page on the shared connection, runs fn and always closes the page.
// A connection fault discards the connection and retries once on a new one; any
// other error is returned as is.
func (m *Manager) WithPage(ctx context.Context, fn func(ctx context.Context, p Page) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := m.acquire(ctx)
		if err == nil {
			err = runWithPage(ctx, m.log, conn, fn)
		}
		if err == nil {
			return nil
		}
		if !IsConnectionError(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		m.log.Warn("browser connection fault", "attempt", attempt, "err", err)
		m.discard(conn)
	}
	return fmt.Errorf("browser unavailable after %d attempts: %w", maxAttempts, lastErr)
}

func runWithPage(ctx context.Context, log *slog.Logger, conn Conn, fn func(ctx context.Context, p Page) error) error {
	page, err := conn.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Debug("close page", "err", err)
		}
	}()
	return fn(ctx, page)
}

func (m *Manager) acquire(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := m.driver.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	m.log.Info("browser connected")
	m.conn = conn
	return conn, nil
}

// discard drops conn if it is still the cached connection; a connection
// created meanwhile by another caller is left alone.
func (m *Manager) discard(conn Conn) {
	if conn == nil {
		return
	}
	m.mu.Lock()
	owned := m.conn == conn
	if owned {
		m.conn = nil
	}
	m.mu.Unlock()
	if !owned {
		return
	}
	if err := conn.Close(); err != nil {
		m.log.Debug("close broken browser connection", "err", err)
	}
}

// Close tears down the cached connection. Safe to call when none exists.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
