package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeDriver connects to a remote DevTools endpoint (e.g. a hosted browserless
// service) or, when no endpoint is set, launches a local headless Chrome.
type ChromeDriver struct {
	Endpoint string
	ExecPath string
}

var _ Driver = (*ChromeDriver)(nil)

// NewChromeDriver returns a driver for the given endpoint / executable.
func NewChromeDriver(endpoint, execPath string) *ChromeDriver {
	return &ChromeDriver{Endpoint: strings.TrimSpace(endpoint), ExecPath: strings.TrimSpace(execPath)}
}

// Connect allocates the browser. The connection outlives ctx; ctx only bounds the dial.
func (d *ChromeDriver) Connect(ctx context.Context) (Conn, error) {
	var allocCtx context.Context
	var cancelAlloc context.CancelFunc
	if d.Endpoint != "" {
		var opts []chromedp.RemoteAllocatorOption
		if strings.HasPrefix(d.Endpoint, "ws://") || strings.HasPrefix(d.Endpoint, "wss://") {
			opts = append(opts, chromedp.NoModifyURL)
		}
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(context.Background(), d.Endpoint, opts...)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.DisableGPU,
			chromedp.NoSandbox,
			chromedp.Headless,
		)
		if d.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(d.ExecPath))
		}
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	if err := allocate(ctx, browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, err
	}
	return &chromeConn{ctx: browserCtx, cancelAlloc: cancelAlloc}, nil
}

// allocate performs the first Run on target, which creates the browser or tab.
// The first Run must receive target itself: a derived context would tear the
// browser down when it is cancelled. Hence the goroutine to honour ctx.
func allocate(ctx, target context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(target) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type chromeConn struct {
	ctx         context.Context
	cancelAlloc context.CancelFunc
	closeOnce   sync.Once
	closeErr    error
}

func (c *chromeConn) NewPage(ctx context.Context) (Page, error) {
	if c.ctx.Err() != nil {
		return nil, fmt.Errorf("browser context done: %w", chromedp.ErrChannelClosed)
	}
	tabCtx, cancelTab := chromedp.NewContext(c.ctx)
	if err := allocate(ctx, tabCtx); err != nil {
		cancelTab()
		if ctx.Err() == nil && c.ctx.Err() != nil {
			return nil, fmt.Errorf("create tab: %w", chromedp.ErrChannelClosed)
		}
		return nil, fmt.Errorf("create tab: %w", err)
	}
	return &chromePage{ctx: tabCtx, cancel: cancelTab}, nil
}

func (c *chromeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = chromedp.Cancel(c.ctx)
		c.cancelAlloc()
	})
	return c.closeErr
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions on the tab while honouring the caller's ctx.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	if p.ctx.Err() != nil {
		// the tab went away underneath us, not cancelled by the caller
		return fmt.Errorf("tab context done: %w", chromedp.ErrChannelClosed)
	}
	return err
}

func (p *chromePage) SetViewport(ctx context.Context, width, height int) error {
	return p.run(ctx, emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false))
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	listenCtx, stopListening := context.WithCancel(p.ctx)
	defer stopListening()
	ready := newDOMReady()
	chromedp.ListenTarget(listenCtx, ready.observe)

	var res page.NavigateReturns
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		return cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res)
	}))
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", url, res.ErrorText)
	}
	// same-document navigations create no loader and fire no lifecycle events
	if res.LoaderID == "" {
		return nil
	}

	for !ready.fired(res.LoaderID) {
		select {
		case <-ready.notify:
		case <-ctx.Done():
			return fmt.Errorf("navigate %s: waiting for DOMContentLoaded: %w", url, ctx.Err())
		case <-p.ctx.Done():
			return fmt.Errorf("navigate %s: %w", url, chromedp.ErrChannelClosed)
		}
	}
	return nil
}

// domReady records the loaders that fired DOMContentLoaded, so a wait only
// ends for the document of the navigation just issued.
type domReady struct {
	mu     sync.Mutex
	seen   map[cdp.LoaderID]bool
	notify chan struct{}
}

func newDOMReady() *domReady {
	return &domReady{seen: make(map[cdp.LoaderID]bool), notify: make(chan struct{}, 1)}
}

func (d *domReady) observe(ev any) {
	e, ok := ev.(*page.EventLifecycleEvent)
	if !ok || e.Name != "DOMContentLoaded" {
		return
	}
	d.mu.Lock()
	d.seen[e.LoaderID] = true
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *domReady) fired(id cdp.LoaderID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id]
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, res any) error {
	return p.run(ctx, chromedp.Evaluate(expression, res))
}

func (p *chromePage) Screenshot(ctx context.Context, clip Clip, quality int) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			WithCaptureBeyondViewport(true).
			WithClip(&page.Viewport{
				X:      float64(clip.X),
				Y:      float64(clip.Y),
				Width:  float64(clip.Width),
				Height: float64(clip.Height),
				Scale:  1,
			}).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	if len(buf) == 0 {
		return nil, errors.New("capture screenshot: empty buffer")
	}
	return buf, nil
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	if err := p.run(ctx, chromedp.Title(&title)); err != nil {
		return "", err
	}
	return title, nil
}

func (p *chromePage) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
