// Package config provides environment helpers for go-scan commands.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Default service configuration.
const (
	DefaultWebPort     = "8080"
	DefaultSessionFile = "scan-session.json"
)

// String returns the value of the env var key, or def when unset or empty.
func String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Bool returns the env var key parsed as a boolean.
// Unparseable values fall back to def.
func Bool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int returns the env var key parsed as an int, or def.
func Int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Duration returns the env var key parsed with time.ParseDuration, or def.
func Duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
