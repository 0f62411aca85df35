// Package browsertest provides in-memory browser fakes for tests.
package browsertest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jo-hoe/shotfolio/internal/browser"
)

// Page is a scripted browser.Page. Evaluate answers expressions through EvalFunc.
type Page struct {
	mu sync.Mutex

	NavigateErr   error
	ScreenshotErr error
	TitleText     string
	Image         []byte // returned by Screenshot
	EvalFunc      func(expression string, res any) error

	Navigated   []string
	Viewports   [][2]int
	Clips       []browser.Clip
	Evaluations []string
	Closed      int
}

var _ browser.Page = (*Page)(nil)

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Viewports = append(p.Viewports, [2]int{width, height})
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.Navigated = append(p.Navigated, url)
	err := p.NavigateErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (p *Page) Evaluate(ctx context.Context, expression string, res any) error {
	p.mu.Lock()
	p.Evaluations = append(p.Evaluations, expression)
	fn := p.EvalFunc
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(expression, res)
}

func (p *Page) Screenshot(ctx context.Context, clip browser.Clip, quality int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Clips = append(p.Clips, clip)
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	if len(p.Image) == 0 {
		return nil, errors.New("no image scripted")
	}
	return p.Image, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	return p.TitleText, nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed++
	return nil
}

// EvalCount returns how many evaluated expressions contain substr.
func (p *Page) EvalCount(substr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.Evaluations {
		if strings.Contains(e, substr) {
			n++
		}
	}
	return n
}

// Driver hands out connections that all serve NewPageFunc.
type Driver struct {
	mu sync.Mutex

	// ConnectErrs are returned by successive Connect calls before succeeding.
	ConnectErrs []error
	// NewPageFunc builds the page for each NewPage call; defaults to an empty Page.
	NewPageFunc func() browser.Page

	Connects int
	Conns    []*Conn
}

var _ browser.Driver = (*Driver)(nil)

func (d *Driver) Connect(ctx context.Context) (browser.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Connects++
	if len(d.ConnectErrs) > 0 {
		err := d.ConnectErrs[0]
		d.ConnectErrs = d.ConnectErrs[1:]
		return nil, err
	}
	c := &Conn{driver: d}
	d.Conns = append(d.Conns, c)
	return c, nil
}

// ConnectCount returns the number of Connect calls so far.
func (d *Driver) ConnectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Connects
}

// Conn is a fake browser.Conn.
type Conn struct {
	driver *Driver
	mu     sync.Mutex
	Pages  int
	Closed bool
}

func (c *Conn) NewPage(ctx context.Context) (browser.Page, error) {
	c.mu.Lock()
	c.Pages++
	c.mu.Unlock()
	c.driver.mu.Lock()
	fn := c.driver.NewPageFunc
	c.driver.mu.Unlock()
	if fn == nil {
		return &Page{}, nil
	}
	return fn(), nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Closed
}
