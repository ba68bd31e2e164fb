package camera

import (
	"errors"
	"fmt"
	"image"
	"time"
)

// Frame is one preview buffer delivered on request. Data holds the
// luminance (Y) plane, Width*Height bytes, row major. A delivered Frame is
// never written to again.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	Seq        uint64
	CapturedAt time.Time
}

// Gray wraps the frame luminance as an *image.Gray without copying.
func (f Frame) Gray() *image.Gray {
	return &image.Gray{Pix: f.Data, Stride: f.Width, Rect: image.Rect(0, 0, f.Width, f.Height)}
}

// Parameters are the device settings applied at open time.
type Parameters struct {
	PreviewSize image.Point
	Framerate   int
	FocusMode   string
	Torch       bool
}

// Surface is the display the preview is bound to.
type Surface interface {
	Resolution() image.Point
}

// Viewport is a fixed-size Surface.
type Viewport image.Point

// Resolution implements Surface.
func (v Viewport) Resolution() image.Point { return image.Point(v) }

// Device is an opened camera handle.
type Device interface {
	Parameters() Parameters
	SetParameters(p Parameters) error
	SetPreviewSurface(s Surface) error
	StartPreview() error
	// StopPreview stops streaming and drops any pending frame request.
	StopPreview() error
	// RequestFrame arranges for the next preview frame to be passed to fn,
	// once. A second request replaces a pending one. fn may be called from
	// any goroutine.
	RequestFrame(fn func(Frame))
	HasFlash() bool
	Close() error
}

// Driver opens camera devices.
type Driver interface {
	Open(id int) (Device, error)
}

// Sentinel errors reported by Source.
var (
	ErrNotOpen      = errors.New("camera: not open")
	ErrNotStreaming = errors.New("camera: not streaming")
	ErrNoFlash      = errors.New("camera: no flash hardware")
)

// ErrorKind classifies driver failures.
type ErrorKind int

const (
	// OpenFailed means the hardware could not be acquired. Fatal for the session.
	OpenFailed ErrorKind = iota + 1
	// Degraded means parameters were only partially applied. The camera is
	// open and frames can still be requested.
	Degraded
)

func (k ErrorKind) String() string {
	switch k {
	case OpenFailed:
		return "open_failed"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// DriverError is returned by Source.Open.
type DriverError struct {
	Kind ErrorKind
	Err  error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("camera %s: %v", e.Kind, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// IsOpenFailed reports whether err is a DriverError of kind OpenFailed.
func IsOpenFailed(err error) bool {
	var de *DriverError
	return errors.As(err, &de) && de.Kind == OpenFailed
}

// IsDegraded reports whether err is a DriverError of kind Degraded.
func IsDegraded(err error) bool {
	var de *DriverError
	return errors.As(err, &de) && de.Kind == Degraded
}
