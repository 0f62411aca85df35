package screenshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/jo-hoe/shotfolio/internal/browser"
	"github.com/jo-hoe/shotfolio/internal/browser/browsertest"
	"github.com/jo-hoe/shotfolio/internal/capture"
	"github.com/jo-hoe/shotfolio/internal/overlay"
	"github.com/jo-hoe/shotfolio/internal/storage"
)

type memArtifacts struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves int
	err   error
}

func (m *memArtifacts) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = append([]byte(nil), data...)
	m.saves++
	return nil
}

func (m *memArtifacts) exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func solidJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{200, 200, 200, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// tallPage answers a 5000px document containing a #cookie-banner.
func tallPage(img []byte) *browsertest.Page {
	return &browsertest.Page{
		Image:     img,
		TitleText: "Tall Page",
		EvalFunc: func(expression string, res any) error {
			n, ok := res.(*float64)
			if !ok {
				return nil
			}
			switch {
			case strings.Contains(expression, "scrollHeight"):
				*n = 5000
			case strings.Contains(expression, `"#cookie-banner"`):
				*n = 1
			}
			return nil
		},
	}
}

func newCapturer(driver *browsertest.Driver, store *memArtifacts) *Capturer {
	c := NewCapturer(
		testLogger(),
		browser.NewManager(testLogger(), driver),
		overlay.New(testLogger(), nil),
		capture.NewEngine(capture.DefaultOptions()),
		store,
		Options{NavigationTimeout: time.Second, SettleDelay: 3 * time.Second},
	)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestCaptureOne_TallPageEndToEnd(t *testing.T) {
	page := tallPage(solidJPEG(t, 1440, 2000))
	driver := &browsertest.Driver{NewPageFunc: func() browser.Page { return page }}
	store := &memArtifacts{}
	c := newCapturer(driver, store)

	res, err := c.CaptureOne(context.Background(), "p1", "http://test.local/tall-page")
	if err != nil {
		t.Fatalf("CaptureOne: %v", err)
	}
	if !store.exists("p1") {
		t.Fatalf("artifact p1 not stored")
	}
	if res.Clip.Width != 1440 || res.Clip.Height != 2000 {
		t.Fatalf("clip = %+v", res.Clip)
	}
	if res.Title != "Tall Page" {
		t.Fatalf("title = %q", res.Title)
	}
	if len(page.Navigated) != 1 || page.Navigated[0] != "http://test.local/tall-page" {
		t.Fatalf("navigated = %v", page.Navigated)
	}
	if len(page.Viewports) != 1 || page.Viewports[0] != [2]int{1440, 2000} {
		t.Fatalf("viewports = %v", page.Viewports)
	}
	if page.EvalCount(`"#cookie-banner"`) != 1 {
		t.Fatalf("cookie banner selector not applied")
	}
	if page.Closed != 1 {
		t.Fatalf("page closed %d times", page.Closed)
	}
	img, _, err := image.Decode(bytes.NewReader(store.data["p1"]))
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 600 || b.Dy() != 800 {
		t.Fatalf("artifact size %dx%d", b.Dx(), b.Dy())
	}
}

func TestCaptureOne_Idempotent(t *testing.T) {
	img := solidJPEG(t, 1440, 2000)
	driver := &browsertest.Driver{NewPageFunc: func() browser.Page { return tallPage(img) }}
	store := &memArtifacts{}
	c := newCapturer(driver, store)

	for i := 0; i < 2; i++ {
		if _, err := c.CaptureOne(context.Background(), "p1", "https://example.com"); err != nil {
			t.Fatalf("capture %d: %v", i, err)
		}
		if !store.exists("p1") {
			t.Fatalf("artifact missing after capture %d", i)
		}
	}
	if store.saves != 2 || len(store.data) != 1 {
		t.Fatalf("saves=%d keys=%d, want 2 overwrites of one key", store.saves, len(store.data))
	}
	if driver.ConnectCount() != 1 {
		t.Fatalf("connection not reused: %d connects", driver.ConnectCount())
	}
}

func TestCaptureOne_NavigationTimeoutNotRetried(t *testing.T) {
	driver := &browsertest.Driver{NewPageFunc: func() browser.Page {
		return &browsertest.Page{NavigateErr: fmt.Errorf("navigate: %w", context.DeadlineExceeded)}
	}}
	store := &memArtifacts{}
	c := newCapturer(driver, store)

	_, err := c.CaptureOne(context.Background(), "p1", "https://slow.example")
	var ce *CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CaptureError, got %T %v", err, err)
	}
	if ce.Stage != StageNavigate || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stage=%s err=%v", ce.Stage, err)
	}
	if driver.ConnectCount() != 1 {
		t.Fatalf("navigation fault retried: %d connects", driver.ConnectCount())
	}
	if store.saves != 0 {
		t.Fatalf("artifact written on failure")
	}
}

func TestCaptureOne_RetriesOnceOnConnectionFault(t *testing.T) {
	img := solidJPEG(t, 1440, 2000)
	calls := 0
	driver := &browsertest.Driver{NewPageFunc: func() browser.Page {
		calls++
		if calls == 1 {
			return &browsertest.Page{NavigateErr: chromedp.ErrChannelClosed}
		}
		return tallPage(img)
	}}
	store := &memArtifacts{}
	c := newCapturer(driver, store)

	if _, err := c.CaptureOne(context.Background(), "p1", "https://example.com"); err != nil {
		t.Fatalf("CaptureOne: %v", err)
	}
	if driver.ConnectCount() != 2 {
		t.Fatalf("connects = %d, want 2", driver.ConnectCount())
	}
	if !store.exists("p1") {
		t.Fatalf("artifact not stored after retry")
	}
}

func TestCaptureOne_InvalidURL(t *testing.T) {
	driver := &browsertest.Driver{}
	store := &memArtifacts{}
	c := newCapturer(driver, store)

	for _, u := range []string{"", "not a url", "ftp://example.com/x", "http://"} {
		_, err := c.CaptureOne(context.Background(), "p1", u)
		var ce *CaptureError
		if !errors.As(err, &ce) || ce.Stage != StageValidate {
			t.Fatalf("url %q: expected validate failure, got %v", u, err)
		}
	}
	if driver.ConnectCount() != 0 {
		t.Fatalf("browser used for invalid urls")
	}
}

func TestCaptureOne_InvalidProjectIDRejectedBeforeBrowser(t *testing.T) {
	driver := &browsertest.Driver{}
	store := &memArtifacts{}
	c := newCapturer(driver, store)

	for _, id := range []string{"../etc", "has space", "p1.jpg", strings.Repeat("x", 129)} {
		_, err := c.CaptureOne(context.Background(), id, "https://example.com")
		var ce *CaptureError
		if !errors.As(err, &ce) || ce.Stage != StageValidate || !errors.Is(err, storage.ErrInvalidKey) {
			t.Fatalf("id %q: expected validate failure, got %v", id, err)
		}
	}
	if driver.ConnectCount() != 0 {
		t.Fatalf("browser used for invalid project ids")
	}
}

func TestCaptureOne_StorageFailureIsCaptureFailure(t *testing.T) {
	img := solidJPEG(t, 1440, 2000)
	driver := &browsertest.Driver{NewPageFunc: func() browser.Page { return tallPage(img) }}
	store := &memArtifacts{err: errors.New("disk full")}
	c := newCapturer(driver, store)

	_, err := c.CaptureOne(context.Background(), "p1", "https://example.com")
	var ce *CaptureError
	if !errors.As(err, &ce) || ce.Stage != StageStore {
		t.Fatalf("expected store failure, got %v", err)
	}
}

func TestCaptureOne_CorruptCaptureNotStored(t *testing.T) {
	page := tallPage([]byte("garbage"))
	driver := &browsertest.Driver{NewPageFunc: func() browser.Page { return page }}
	store := &memArtifacts{}
	c := newCapturer(driver, store)

	_, err := c.CaptureOne(context.Background(), "p1", "https://example.com")
	var ce *CaptureError
	if !errors.As(err, &ce) || ce.Stage != StageEncode {
		t.Fatalf("expected encode failure, got %v", err)
	}
	if store.saves != 0 {
		t.Fatalf("corrupt capture was stored")
	}
}

func TestCaptureOne_InvalidSelectorStillCaptures(t *testing.T) {
	img := solidJPEG(t, 1440, 2000)
	page := tallPage(img)
	inner := page.EvalFunc
	page.EvalFunc = func(expression string, res any) error {
		if strings.Contains(expression, `"#bad["`) {
			return errors.New("SyntaxError")
		}
		return inner(expression, res)
	}
	driver := &browsertest.Driver{NewPageFunc: func() browser.Page { return page }}
	store := &memArtifacts{}
	c := newCapturer(driver, store)
	c.suppressor = overlay.New(testLogger(), []overlay.Selector{{Vendor: "X", CSS: "#bad["}, {Vendor: "Generic", CSS: "#cookie-banner"}})

	if _, err := c.CaptureOne(context.Background(), "p1", "https://example.com"); err != nil {
		t.Fatalf("CaptureOne: %v", err)
	}
	if page.EvalCount(`"#cookie-banner"`) != 1 {
		t.Fatalf("selector after the invalid one was skipped")
	}
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("sleepCtx = %v", err)
	}
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleepCtx = %v", err)
	}
}
