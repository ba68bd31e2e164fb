// Package scanner runs capture sessions end to end: it owns the camera,
// builds a capture controller per session, and routes results to the
// feedback devices, websocket renderers, history and the scan log.
package scanner

import (
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-scan/internal/config"
	"github.com/teslashibe/go-scan/pkg/camera"
	"github.com/teslashibe/go-scan/pkg/feedback"
	"github.com/teslashibe/go-scan/pkg/scan"
)

// Config holds all configuration for the scanner application.
// Flag parsing is done in cmd/scanner/main.go; this struct is data only.
type Config struct {
	// Camera is the capture configuration.
	Camera camera.Config

	// Session is the initial session configuration. When SessionFile is
	// set, Init loads it from there instead.
	Session     scan.SessionConfig
	SessionFile string
	// WatchSession restarts the session when SessionFile changes.
	WatchSession bool

	// FramingWidth and FramingHeight request an explicit framing rect.
	// Zero keeps the computed default.
	FramingWidth  int
	FramingHeight int

	// AutoStart resumes a session as soon as Run starts.
	AutoStart bool
	// ExitAfterResult ends Run after a single-shot session delivers.
	ExitAfterResult bool

	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	ResultDelay     time.Duration

	// Feedback devices.
	RingerMode  string // "normal", "vibrate", "silent"
	BeepCommand string // local player reading WAV on stdin; empty disables
	RTPBeepAddr string // host:port of an RTP/opus speaker; overrides BeepCommand

	// WebAddr is the HTTP listen address. Empty disables the server.
	WebAddr string

	// DatabaseURL enables the PostgreSQL history.
	DatabaseURL string

	// Google Docs scan log.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleDocumentID   string
	GoogleTokenPath    string
	GoogleRedirectURL  string
}

// DefaultConfig returns sensible defaults for the scanner.
func DefaultConfig() Config {
	return Config{
		Camera:          camera.DefaultConfig(),
		Session:         scan.DefaultSessionConfig(),
		SessionFile:     "",
		AutoStart:       true,
		IdleTimeout:     feedback.DefaultIdleTimeout,
		ShutdownTimeout: scan.DefaultShutdownTimeout,
		ResultDelay:     scan.DefaultResultDelay,
		RingerMode:      feedback.RingerNormal.String(),
		BeepCommand:     "aplay",
		WebAddr:         ":" + config.DefaultWebPort,
	}
}

// LoadEnvConfig loads configuration values from environment variables.
// Call this after flag parsing to apply environment overrides.
func (c *Config) LoadEnvConfig() {
	c.DatabaseURL = config.String("SCAN_DATABASE_URL", c.DatabaseURL)
	c.SessionFile = config.String("SCAN_SESSION_FILE", c.SessionFile)
	c.WatchSession = config.Bool("SCAN_WATCH_SESSION", c.WatchSession)
	c.IdleTimeout = config.Duration("SCAN_IDLE_TIMEOUT", c.IdleTimeout)
	c.ShutdownTimeout = config.Duration("SCAN_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.RingerMode = config.String("SCAN_RINGER_MODE", c.RingerMode)
	c.RTPBeepAddr = config.String("SCAN_RTP_BEEP_ADDR", c.RTPBeepAddr)
	c.Camera.Device = config.Int("SCAN_CAMERA_DEVICE", c.Camera.Device)

	c.GoogleClientID = config.String("GOOGLE_CLIENT_ID", c.GoogleClientID)
	c.GoogleClientSecret = config.String("GOOGLE_CLIENT_SECRET", c.GoogleClientSecret)
	c.GoogleDocumentID = config.String("GOOGLE_DOCUMENT_ID", c.GoogleDocumentID)
	c.GoogleTokenPath = config.String("GOOGLE_TOKEN_PATH", c.GoogleTokenPath)
	c.GoogleRedirectURL = config.String("GOOGLE_REDIRECT_URL", c.GoogleRedirectURL)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if errs := c.Camera.Validate(); len(errs) > 0 {
		return &ConfigError{Field: "Camera", Message: "invalid camera config: " + strings.Join(errs, "; ")}
	}
	if c.WatchSession && c.SessionFile == "" {
		return &ConfigError{Field: "SessionFile", Message: "watching the session requires a session file"}
	}
	if c.FramingWidth < 0 || c.FramingHeight < 0 {
		return &ConfigError{Field: "FramingWidth", Message: "framing rect size must not be negative"}
	}
	if c.IdleTimeout < 0 || c.ShutdownTimeout < 0 || c.ResultDelay < 0 {
		return &ConfigError{Field: "IdleTimeout", Message: "timeouts must not be negative"}
	}
	if (c.GoogleClientID == "") != (c.GoogleClientSecret == "") {
		return &ConfigError{Field: "GoogleClientSecret", Message: "GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together"}
	}
	switch strings.ToLower(c.RingerMode) {
	case "", "normal", "vibrate", "silent":
	default:
		return &ConfigError{Field: "RingerMode", Message: fmt.Sprintf("unknown ringer mode %q", c.RingerMode)}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
