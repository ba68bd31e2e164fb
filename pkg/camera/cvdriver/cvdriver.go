// Package cvdriver implements camera.Driver over OpenCV video capture.
package cvdriver

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-scan/pkg/camera"
)

// Driver opens OpenCV capture devices.
type Driver struct {
	logger *slog.Logger
}

// New creates an OpenCV driver.
func New(logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{logger: logger}
}

// Open implements camera.Driver.
func (d *Driver) Open(id int) (camera.Device, error) {
	vc, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("open video capture %d: %w", id, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video capture %d not opened", id)
	}
	return &device{vc: vc, logger: d.logger.With("device", id), focus: camera.FocusAuto}, nil
}

// device reads frames continuously while previewing so the one-shot
// request always receives a fresh frame rather than a stale buffered one.
type device struct {
	logger *slog.Logger

	mu      sync.Mutex
	vc      *gocv.VideoCapture
	focus   string
	surface camera.Surface
	pending func(camera.Frame)
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func (d *device) Parameters() camera.Parameters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return camera.Parameters{
		PreviewSize: image.Pt(
			int(d.vc.Get(gocv.VideoCaptureFrameWidth)),
			int(d.vc.Get(gocv.VideoCaptureFrameHeight)),
		),
		Framerate: int(math.Round(d.vc.Get(gocv.VideoCaptureFPS))),
		FocusMode: d.focus,
	}
}

// SetParameters applies the properties and reads back the resolution,
// since V4L silently substitutes the nearest supported mode.
func (d *device) SetParameters(p camera.Parameters) error {
	if p.Torch {
		return camera.ErrNoFlash
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if p.PreviewSize.X > 0 && p.PreviewSize.Y > 0 {
		d.vc.Set(gocv.VideoCaptureFrameWidth, float64(p.PreviewSize.X))
		d.vc.Set(gocv.VideoCaptureFrameHeight, float64(p.PreviewSize.Y))
	}
	if p.Framerate > 0 {
		d.vc.Set(gocv.VideoCaptureFPS, float64(p.Framerate))
	}
	switch p.FocusMode {
	case camera.FocusAuto, camera.FocusContinuous:
		d.vc.Set(gocv.VideoCaptureAutoFocus, 1)
	case camera.FocusFixed:
		d.vc.Set(gocv.VideoCaptureAutoFocus, 0)
	}
	if p.FocusMode != "" {
		d.focus = p.FocusMode
	}

	gotW := int(d.vc.Get(gocv.VideoCaptureFrameWidth))
	gotH := int(d.vc.Get(gocv.VideoCaptureFrameHeight))
	if p.PreviewSize.X > 0 && (gotW != p.PreviewSize.X || gotH != p.PreviewSize.Y) {
		return fmt.Errorf("resolution %dx%d not supported (device chose %dx%d)",
			p.PreviewSize.X, p.PreviewSize.Y, gotW, gotH)
	}
	return nil
}

func (d *device) SetPreviewSurface(s camera.Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.surface = s
	return nil
}

func (d *device) StartPreview() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopCh != nil {
		return nil
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.readLoop(d.stopCh, d.doneCh)
	return nil
}

func (d *device) StopPreview() error {
	d.mu.Lock()
	stopCh, doneCh := d.stopCh, d.doneCh
	d.stopCh, d.doneCh = nil, nil
	d.pending = nil
	d.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)
	<-doneCh
	return nil
}

func (d *device) RequestFrame(fn func(camera.Frame)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopCh == nil {
		return
	}
	d.pending = fn
}

func (d *device) HasFlash() bool { return false }

func (d *device) Close() error {
	d.StopPreview()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vc.Close()
}

func (d *device) readLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	img := gocv.NewMat()
	defer img.Close()
	gray := gocv.NewMat()
	defer gray.Close()

	failures := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if ok := d.vc.Read(&img); !ok || img.Empty() {
			failures++
			if failures == 1 || failures%100 == 0 {
				d.logger.Warn("failed to read frame", "failures", failures)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		failures = 0

		d.mu.Lock()
		fn := d.pending
		d.pending = nil
		d.mu.Unlock()
		if fn == nil {
			continue
		}

		frame, err := toFrame(img, &gray)
		if err != nil {
			d.logger.Warn("frame conversion failed", "error", err)
			continue
		}
		fn(frame)
	}
}

// toFrame converts a BGR Mat into a luminance Frame.
func toFrame(img gocv.Mat, gray *gocv.Mat) (camera.Frame, error) {
	if img.Channels() == 1 {
		img.CopyTo(gray)
	} else {
		gocv.CvtColor(img, gray, gocv.ColorBGRToGray)
	}
	data := gray.ToBytes()
	w, h := gray.Cols(), gray.Rows()
	if len(data) != w*h {
		return camera.Frame{}, errors.New("non-contiguous grayscale buffer")
	}
	return camera.Frame{Data: data, Width: w, Height: h, CapturedAt: time.Now()}, nil
}
