// Package screendriver implements camera.Driver by grabbing the desktop,
// for scanning codes shown on screen.
package screendriver

import (
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"sync"
	"time"

	"github.com/vova616/screenshot"

	"github.com/teslashibe/go-scan/pkg/camera"
)

// Driver captures a screen region. The device id is ignored.
type Driver struct {
	// Region limits capture to part of the screen. Empty means the whole
	// screen.
	Region image.Rectangle
	logger *slog.Logger
}

// New creates a screen driver for region (empty for the full screen).
func New(region image.Rectangle, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{Region: region, logger: logger}
}

// Open implements camera.Driver.
func (d *Driver) Open(int) (camera.Device, error) {
	rect := d.Region
	if rect.Empty() {
		r, err := screenshot.ScreenRect()
		if err != nil {
			return nil, fmt.Errorf("query screen rect: %w", err)
		}
		rect = r
	}
	return &device{rect: rect, framerate: 10, capture: screenshot.CaptureRect, logger: d.logger}, nil
}

type device struct {
	logger  *slog.Logger
	rect    image.Rectangle
	capture func(image.Rectangle) (*image.RGBA, error)

	mu         sync.Mutex
	framerate  int
	previewing bool
	gen        uint64
}

// Parameters reports the grab size; it cannot be changed.
func (d *device) Parameters() camera.Parameters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return camera.Parameters{
		PreviewSize: d.rect.Size(),
		Framerate:   d.framerate,
		FocusMode:   camera.FocusFixed,
	}
}

func (d *device) SetParameters(p camera.Parameters) error {
	if p.Torch {
		return camera.ErrNoFlash
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.Framerate > 0 {
		d.framerate = p.Framerate
	}
	return nil
}

func (d *device) SetPreviewSurface(camera.Surface) error { return nil }

func (d *device) StartPreview() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.previewing = true
	return nil
}

func (d *device) StopPreview() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.previewing = false
	d.gen++
	return nil
}

// RequestFrame grabs the screen after one frame interval. A failed grab is
// retried every interval until one succeeds or the request goes stale
// (preview stopped or a newer request made).
func (d *device) RequestFrame(fn func(camera.Frame)) {
	d.mu.Lock()
	if !d.previewing {
		d.mu.Unlock()
		return
	}
	d.gen++
	gen := d.gen
	interval := time.Second / time.Duration(d.framerate)
	d.mu.Unlock()

	go func() {
		for failures := 0; ; failures++ {
			time.Sleep(interval)
			if !d.live(gen) {
				return
			}
			img, err := d.capture(d.rect)
			if err != nil {
				if failures == 0 || failures%50 == 0 {
					d.logger.Warn("screen capture failed", "failures", failures+1, "error", err)
				}
				continue
			}
			frame := toFrame(img)
			if d.live(gen) {
				fn(frame)
			}
			return
		}
	}()
}

func (d *device) live(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.previewing && d.gen == gen
}

func (d *device) HasFlash() bool { return false }

func (d *device) Close() error {
	return d.StopPreview()
}

func toFrame(img image.Image) camera.Frame {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return camera.Frame{Data: gray.Pix, Width: b.Dx(), Height: b.Dy(), CapturedAt: time.Now()}
}
