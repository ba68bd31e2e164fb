package camera

import (
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Source owns the camera handle for a capture session. Open, Close,
// parameter and torch operations are serialised; FramingRegion may be read
// from any goroutine.
type Source struct {
	driver Driver
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	dev       Device
	params    Parameters
	screen    image.Point
	streaming bool
	// pendingManual holds a manual framing size requested before open.
	pendingManual image.Point

	region atomic.Pointer[FramingRegion]
	seq    atomic.Uint64
}

// NewSource creates a frame source over driver. The camera is not opened.
func NewSource(driver Driver, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		driver: driver,
		cfg:    cfg,
		logger: logger,
	}
}

// Open acquires the camera and binds the preview to surface. A nil surface
// uses the configured viewport. Opening an open source is a no-op.
//
// Failure to acquire the hardware returns a DriverError of kind OpenFailed.
// If the device rejects both the configured and the safe parameter sets the
// camera stays open and a DriverError of kind Degraded is returned.
func (s *Source) Open(surface Surface) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		return nil
	}
	if surface == nil {
		surface = s.cfg.Viewport()
	}

	dev, err := s.driver.Open(s.cfg.Device)
	if err != nil {
		return &DriverError{Kind: OpenFailed, Err: err}
	}
	if err := dev.SetPreviewSurface(surface); err != nil {
		dev.Close()
		return &DriverError{Kind: OpenFailed, Err: fmt.Errorf("bind preview surface: %w", err)}
	}

	s.dev = dev
	s.screen = surface.Resolution()
	s.region.Store(nil)

	paramErr := s.applyParameters()
	s.params = dev.Parameters()

	if s.pendingManual != (image.Point{}) {
		s.setManualLocked(s.pendingManual.X, s.pendingManual.Y)
		s.pendingManual = image.Point{}
	}

	s.logger.Info("camera opened",
		"device", s.cfg.Device,
		"preview", s.params.PreviewSize,
		"screen", s.screen,
		"orientation", orientationOf(s.screen),
		"degraded", paramErr != nil,
	)
	return paramErr
}

// applyParameters tries the configured parameters, then restores the
// device's original parameters and tries the safe subset.
func (s *Source) applyParameters() error {
	saved := s.dev.Parameters()
	err := s.dev.SetParameters(s.cfg.desiredParameters(saved, false))
	if err == nil {
		return nil
	}
	s.logger.Warn("camera rejected parameters, retrying in safe mode", "error", err)

	if rerr := s.dev.SetParameters(saved); rerr != nil {
		s.logger.Warn("failed to restore camera parameters", "error", rerr)
	}
	if err := s.dev.SetParameters(s.cfg.desiredParameters(saved, true)); err != nil {
		s.logger.Warn("camera rejected safe parameters, using device defaults", "error", err)
		return &DriverError{Kind: Degraded, Err: err}
	}
	return nil
}

// Close releases the camera. Streaming is stopped first if needed. Closing
// a closed source is a no-op.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil
	}
	if s.streaming {
		if err := s.dev.StopPreview(); err != nil {
			s.logger.Warn("stop preview on close failed", "error", err)
		}
		s.streaming = false
	}
	err := s.dev.Close()
	s.dev = nil
	s.params = Parameters{}
	s.region.Store(nil)
	s.logger.Info("camera closed", "device", s.cfg.Device)
	if err != nil {
		return fmt.Errorf("close camera: %w", err)
	}
	return nil
}

// StartStreaming starts the preview. Idempotent.
func (s *Source) StartStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return ErrNotOpen
	}
	if s.streaming {
		return nil
	}
	if err := s.dev.StartPreview(); err != nil {
		return fmt.Errorf("start preview: %w", err)
	}
	s.streaming = true
	return nil
}

// StopStreaming stops the preview and drops any pending frame request.
// Idempotent, and a no-op on a closed source.
func (s *Source) StopStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil || !s.streaming {
		return nil
	}
	s.streaming = false
	if err := s.dev.StopPreview(); err != nil {
		return fmt.Errorf("stop preview: %w", err)
	}
	return nil
}

// RequestOneFrame asks for the next preview frame. deliver is called at
// most once, possibly from another goroutine, with the frame tagged by the
// returned sequence number. Requests do not queue: a new request replaces
// an undelivered one.
func (s *Source) RequestOneFrame(deliver func(Frame)) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return 0, ErrNotOpen
	}
	if !s.streaming {
		return 0, ErrNotStreaming
	}

	seq := s.seq.Add(1)
	var once sync.Once
	s.dev.RequestFrame(func(f Frame) {
		once.Do(func() {
			f.Seq = seq
			if f.CapturedAt.IsZero() {
				f.CapturedAt = time.Now()
			}
			deliver(f)
		})
	})
	return seq, nil
}

// FramingRegion returns the current framing region, or false before the
// camera is open or while the screen or preview size is unknown.
func (s *Source) FramingRegion() (FramingRegion, bool) {
	if r := s.region.Load(); r != nil {
		return *r, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.region.Load(); r != nil {
		return *r, true
	}
	if s.dev == nil || s.screen.X <= 0 || s.screen.Y <= 0 ||
		s.params.PreviewSize.X <= 0 || s.params.PreviewSize.Y <= 0 {
		return FramingRegion{}, false
	}
	r := ComputeFramingRegion(s.screen, s.params.PreviewSize)
	s.region.Store(&r)
	return r, true
}

// SetManualFramingRect replaces the framing region with a width x height
// rectangle centred on the screen. Before open, the size is remembered and
// applied when the camera opens.
func (s *Source) SetManualFramingRect(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if width <= 0 || height <= 0 {
		return
	}
	if s.dev == nil {
		s.pendingManual = image.Pt(width, height)
		return
	}
	s.setManualLocked(width, height)
}

func (s *Source) setManualLocked(width, height int) {
	r := manualFramingRect(s.screen, width, height)
	fr := FramingRegion{Screen: r, Preview: mapToPreview(r, s.screen, s.params.PreviewSize)}
	s.region.Store(&fr)
	s.logger.Debug("manual framing rect", "screen", fr.Screen, "preview", fr.Preview)
}

// SetTorch switches the torch. Returns ErrNoFlash on devices without one.
func (s *Source) SetTorch(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTorchLocked(on)
}

// ToggleTorch flips the torch state.
func (s *Source) ToggleTorch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTorchLocked(!s.params.Torch)
}

func (s *Source) setTorchLocked(on bool) error {
	if s.dev == nil {
		return ErrNotOpen
	}
	if !s.dev.HasFlash() {
		return ErrNoFlash
	}
	if s.params.Torch == on {
		return nil
	}
	p := s.params
	p.Torch = on
	if err := s.dev.SetParameters(p); err != nil {
		return fmt.Errorf("set torch: %w", err)
	}
	s.params = p
	return nil
}

// HasFlash reports whether the open device has a torch.
func (s *Source) HasFlash() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev != nil && s.dev.HasFlash()
}

// Torch reports whether the torch is on.
func (s *Source) Torch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Torch
}

// IsOpen reports whether the camera is held.
func (s *Source) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev != nil
}

// IsStreaming reports whether the preview is running.
func (s *Source) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Orientation reports the display orientation, Landscape when closed.
func (s *Source) Orientation() Orientation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return orientationOf(s.screen)
}

// PreviewSize returns the applied preview resolution, zero when closed.
func (s *Source) PreviewSize() image.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.PreviewSize
}

// Config returns the source configuration.
func (s *Source) Config() Config {
	return s.cfg
}
