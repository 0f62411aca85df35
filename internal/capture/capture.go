package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // decode manual uploads

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // decode manual uploads

	"github.com/jo-hoe/shotfolio/internal/browser"
	"github.com/jo-hoe/shotfolio/internal/common"
)

// measureHeightScript evaluates to the full document height in CSS pixels.
const measureHeightScript = `Math.max(
	document.documentElement ? document.documentElement.scrollHeight : 0,
	document.body ? document.body.scrollHeight : 0
)`

// Page is the subset of browser.Page the engine drives.
type Page interface {
	Evaluate(ctx context.Context, expression string, res any) error
	Screenshot(ctx context.Context, clip browser.Clip, quality int) ([]byte, error)
}

// Options fixes capture geometry and output encoding.
type Options struct {
	ViewportWidth int
	MaxHeight     int
	ThumbWidth    int
	ThumbHeight   int
	Quality       int
}

// DefaultOptions returns a 1440px wide capture bounded at 2000px, thumbnailed to 600x800 at quality 80.
func DefaultOptions() Options {
	return Options{
		ViewportWidth: common.CaptureViewportWidth,
		MaxHeight:     common.CaptureMaxHeight,
		ThumbWidth:    common.ThumbnailWidth,
		ThumbHeight:   common.ThumbnailHeight,
		Quality:       common.JPEGQuality,
	}
}

// Engine turns a loaded page into a thumbnail.
type Engine struct {
	opts Options
}

// NewEngine returns an Engine; zero fields in opts take the defaults.
func NewEngine(opts Options) *Engine {
	def := DefaultOptions()
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = def.ViewportWidth
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = def.MaxHeight
	}
	if opts.ThumbWidth <= 0 {
		opts.ThumbWidth = def.ThumbWidth
	}
	if opts.ThumbHeight <= 0 {
		opts.ThumbHeight = def.ThumbHeight
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = def.Quality
	}
	return &Engine{opts: opts}
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// ClipHeight bounds a measured document height to MaxHeight.
// A non-positive measurement (empty or unmeasurable document) captures MaxHeight.
func (e *Engine) ClipHeight(measured int) int {
	if measured <= 0 || measured > e.opts.MaxHeight {
		return e.opts.MaxHeight
	}
	return measured
}

// Snapshot measures the page and takes the raw JPEG capture of the top of the page.
func (e *Engine) Snapshot(ctx context.Context, page Page) ([]byte, browser.Clip, error) {
	var measured float64
	if err := page.Evaluate(ctx, measureHeightScript, &measured); err != nil {
		return nil, browser.Clip{}, fmt.Errorf("measure document height: %w", err)
	}
	clip := browser.Clip{X: 0, Y: 0, Width: e.opts.ViewportWidth, Height: e.ClipHeight(int(measured))}
	raw, err := page.Screenshot(ctx, clip, e.opts.Quality)
	if err != nil {
		return nil, clip, err
	}
	return raw, clip, nil
}

// Thumbnail decodes raw, cover-fits it to the thumbnail size keeping the top of
// the image, and re-encodes it as JPEG. It has no side effects.
func (e *Engine) Thumbnail(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("thumbnail: empty input")
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("thumbnail: decode: %w", err)
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("thumbnail: zero-sized image")
	}

	crop := coverTop(b.Dx(), b.Dy(), e.opts.ThumbWidth, e.opts.ThumbHeight).Add(b.Min)
	dst := image.NewRGBA(image.Rect(0, 0, e.opts.ThumbWidth, e.opts.ThumbHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: e.opts.Quality}); err != nil {
		return nil, fmt.Errorf("thumbnail: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// coverTop returns the region of a srcW x srcH image that, scaled to dstW x dstH,
// covers the target without distortion: horizontally centred, anchored at the top.
func coverTop(srcW, srcH, dstW, dstH int) image.Rectangle {
	if srcW*dstH > srcH*dstW {
		// source is wider than the target aspect: trim the sides
		w := srcH * dstW / dstH
		if w < 1 {
			w = 1
		}
		x0 := (srcW - w) / 2
		return image.Rect(x0, 0, x0+w, srcH)
	}
	// source is taller: keep the top, trim the bottom
	h := srcW * dstH / dstW
	if h < 1 {
		h = 1
	}
	return image.Rect(0, 0, srcW, h)
}
