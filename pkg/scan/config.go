// Package scan implements the capture pipeline: a single-flight decode
// worker and the controller state machine that drives it.
package scan

import (
	"encoding/json"
	"fmt"
	"os"
)

// SessionConfig is fixed for the lifetime of a capture session.
// Changing it means starting a new session.
type SessionConfig struct {
	PlayBeep               bool `json:"play_beep"`
	Vibrate                bool `json:"vibrate"`
	Decode1DFormats        bool `json:"decode_1d_formats"`
	FullScreenScanRegion   bool `json:"full_screen_scan_region"`
	ContinuousScan         bool `json:"continuous_scan"`
	AutoRestartAfterResult bool `json:"auto_restart_after_result"`
}

// DefaultSessionConfig returns the defaults for unset options: beep,
// vibrate, 1D formats, full-screen region and auto-restart on; continuous
// scan off.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PlayBeep:               true,
		Vibrate:                true,
		Decode1DFormats:        true,
		FullScreenScanRegion:   true,
		ContinuousScan:         false,
		AutoRestartAfterResult: true,
	}
}

// ParseSessionConfig decodes JSON over the defaults, so absent keys keep
// their default values.
func ParseSessionConfig(data []byte) (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultSessionConfig(), fmt.Errorf("parse session config: %w", err)
	}
	return cfg, nil
}

// LoadSessionConfig reads a session config file. A missing file yields
// the defaults.
func LoadSessionConfig(path string) (SessionConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultSessionConfig(), nil
	}
	if err != nil {
		return DefaultSessionConfig(), fmt.Errorf("read session config: %w", err)
	}
	return ParseSessionConfig(data)
}

// SaveSessionConfig writes cfg as indented JSON.
func SaveSessionConfig(path string, cfg SessionConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
