// Package camera owns the camera hardware handle used by the scanner:
// opening with parameter fallback, one-shot preview frame requests, torch
// control, and the framing region geometry shared with renderers.
package camera

import "fmt"

// Backend selects the Driver implementation.
type Backend string

const (
	// BackendOpenCV captures from a video device through gocv.
	BackendOpenCV Backend = "opencv"
	// BackendScreen captures the desktop.
	BackendScreen Backend = "screen"
	// BackendMock produces synthetic frames.
	BackendMock Backend = "mock"
)

// Focus modes.
const (
	FocusAuto       = "auto"
	FocusContinuous = "continuous"
	FocusFixed      = "fixed"
)

// Config holds camera configuration parameters.
type Config struct {
	Backend Backend `json:"backend"`
	// Device is the driver device index (0 = first camera).
	Device int `json:"device"`

	// === Preview ===
	Width     int `json:"width"`     // Preview width in pixels
	Height    int `json:"height"`    // Preview height in pixels
	Framerate int `json:"framerate"` // Target FPS

	// FocusMode is applied outside safe mode only.
	// Values: "auto", "continuous", "fixed"
	FocusMode string `json:"focus_mode"`

	// === Display ===
	// Screen is the resolution of the surface the preview is shown on.
	// Portrait screens (width < height) swap the preview axes.
	ScreenWidth  int `json:"screen_width"`
	ScreenHeight int `json:"screen_height"`
}

// Sensor limits accepted by Validate.
const (
	MaxWidth     = 4096
	MaxHeight    = 2160
	MaxFramerate = 120
)

// DefaultConfig returns 1280x720 continuous-focus capture shown on a
// landscape 1280x720 surface.
func DefaultConfig() Config {
	return Config{
		Backend:      BackendOpenCV,
		Device:       0,
		Width:        1280,
		Height:       720,
		Framerate:    30,
		FocusMode:    FocusContinuous,
		ScreenWidth:  1280,
		ScreenHeight: 720,
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	switch c.Backend {
	case BackendOpenCV, BackendScreen, BackendMock:
	default:
		errors = append(errors, fmt.Sprintf("backend must be opencv, screen, or mock (got %q)", c.Backend))
	}
	if c.Device < 0 {
		errors = append(errors, "device must be >= 0")
	}
	if c.Width < 160 || c.Width > MaxWidth {
		errors = append(errors, fmt.Sprintf("width must be between 160 and %d", MaxWidth))
	}
	if c.Height < 120 || c.Height > MaxHeight {
		errors = append(errors, fmt.Sprintf("height must be between 120 and %d", MaxHeight))
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errors = append(errors, fmt.Sprintf("framerate must be between 1 and %d", MaxFramerate))
	}

	validFocus := map[string]bool{FocusAuto: true, FocusContinuous: true, FocusFixed: true}
	if c.FocusMode != "" && !validFocus[c.FocusMode] {
		errors = append(errors, "focus_mode must be auto, continuous, or fixed")
	}

	if c.ScreenWidth <= 0 || c.ScreenHeight <= 0 {
		errors = append(errors, "screen_width and screen_height must be positive")
	}

	return errors
}

// Viewport returns the configured screen as a Surface.
func (c Config) Viewport() Viewport {
	return Viewport{X: c.ScreenWidth, Y: c.ScreenHeight}
}

// desiredParameters returns cur with the configured settings applied. In
// safe mode only the preview size is changed.
func (c Config) desiredParameters(cur Parameters, safe bool) Parameters {
	p := cur
	if c.Width > 0 && c.Height > 0 {
		p.PreviewSize.X, p.PreviewSize.Y = c.Width, c.Height
	}
	if safe {
		return p
	}
	if c.Framerate > 0 {
		p.Framerate = c.Framerate
	}
	if c.FocusMode != "" {
		p.FocusMode = c.FocusMode
	}
	return p
}
