// Scanner - camera barcode capture service
// Streams camera frames through a single-flight decoder and publishes
// results over HTTP/websocket, to history and to a Google Doc.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/teslashibe/go-scan/internal/config"
	"github.com/teslashibe/go-scan/internal/log"
	"github.com/teslashibe/go-scan/pkg/camera"
	"github.com/teslashibe/go-scan/pkg/camera/cvdriver"
	"github.com/teslashibe/go-scan/pkg/camera/screendriver"
	"github.com/teslashibe/go-scan/pkg/feedback/rtpbeep"
	"github.com/teslashibe/go-scan/pkg/scanner"
)

func main() {
	cfg, level := parseFlags()
	log.Init(level)
	logger := log.L()

	deps, err := buildDeps(cfg, logger)
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	app, err := scanner.New(cfg, deps)
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Init(ctx); err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}
	defer app.Shutdown()

	if err := app.Run(ctx); err != nil {
		logger.Error("runtime error", "error", err)
		app.Shutdown()
		os.Exit(1)
	}
}

// parseFlags parses command line flags and returns configuration and the
// log level.
func parseFlags() (scanner.Config, string) {
	cfg := scanner.DefaultConfig()

	level := flag.String("log-level", config.String("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	preset := flag.String("preset", "", "Camera preset: "+strings.Join(camera.PresetNames(), ", "))
	backend := flag.String("backend", string(cfg.Camera.Backend), "Camera backend: opencv, screen, mock")
	device := flag.Int("device", cfg.Camera.Device, "Camera device index")
	width := flag.Int("width", 0, "Preview width (overrides preset)")
	height := flag.Int("height", 0, "Preview height (overrides preset)")
	screen := flag.String("screen", "", "Display surface size WxH, e.g. 720x1280 for portrait")
	frameW := flag.Int("frame-width", 0, "Explicit framing rect width")
	frameH := flag.Int("frame-height", 0, "Explicit framing rect height")

	sessionFile := flag.String("session", config.String("SCAN_SESSION_FILE", ""), "Session config JSON file")
	watch := flag.Bool("watch", false, "Restart the session when the session file changes (default file "+config.DefaultSessionFile+")")
	continuous := flag.Bool("continuous", false, "Continuous scan (ignored when -session is set)")
	once := flag.Bool("once", false, "Exit after the first single-shot result")
	noAutoStart := flag.Bool("no-autostart", false, "Wait for /api/session/start")

	addr := flag.String("addr", ":"+config.String("PORT", config.DefaultWebPort), "HTTP listen address, empty to disable")
	db := flag.String("db", "", "PostgreSQL URL for scan history (overrides SCAN_DATABASE_URL)")
	beep := flag.String("beep-cmd", cfg.BeepCommand, "Local WAV player for the beep, empty to disable")
	rtpAddr := flag.String("rtp-beep", "", "host:port of an RTP/opus speaker for the beep")
	ringer := flag.String("ringer", cfg.RingerMode, "Ringer mode: normal, vibrate, silent")

	flag.Parse()

	if *preset != "" {
		p := camera.GetPreset(*preset)
		if p == nil {
			fmt.Fprintf(os.Stderr, "unknown preset %q (have %s)\n", *preset, strings.Join(camera.PresetNames(), ", "))
			os.Exit(2)
		}
		cfg.Camera = *p
	}
	cfg.Camera.Backend = camera.Backend(*backend)
	cfg.Camera.Device = *device
	if *width > 0 && *height > 0 {
		cfg.Camera.Width, cfg.Camera.Height = *width, *height
	}
	if *screen != "" {
		if _, err := fmt.Sscanf(*screen, "%dx%d", &cfg.Camera.ScreenWidth, &cfg.Camera.ScreenHeight); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -screen %q: %v\n", *screen, err)
			os.Exit(2)
		}
	}
	cfg.FramingWidth, cfg.FramingHeight = *frameW, *frameH

	cfg.SessionFile = *sessionFile
	cfg.WatchSession = *watch
	if cfg.WatchSession && cfg.SessionFile == "" {
		cfg.SessionFile = config.DefaultSessionFile
	}
	cfg.Session.ContinuousScan = *continuous
	cfg.ExitAfterResult = *once
	cfg.AutoStart = !*noAutoStart

	cfg.WebAddr = *addr
	cfg.BeepCommand = *beep
	cfg.RTPBeepAddr = *rtpAddr
	cfg.RingerMode = *ringer

	// Environment variables
	cfg.LoadEnvConfig()
	if *db != "" {
		cfg.DatabaseURL = *db
	}
	if cfg.GoogleRedirectURL == "" && strings.HasPrefix(cfg.WebAddr, ":") {
		cfg.GoogleRedirectURL = "http://localhost" + cfg.WebAddr + "/api/gdocs/callback"
	}
	return cfg, *level
}

// buildDeps picks the camera driver, gallery image loader and beeper.
func buildDeps(cfg scanner.Config, logger *slog.Logger) (scanner.Deps, error) {
	deps := scanner.Deps{Logger: logger}

	switch cfg.Camera.Backend {
	case camera.BackendOpenCV:
		deps.Driver = cvdriver.New(logger.With("component", "cvdriver"))
		deps.DecodeImage = func(b []byte) (image.Image, error) { return cvdriver.DecodeImageBytes(b) }
	case camera.BackendScreen:
		deps.Driver = screendriver.New(image.Rectangle{}, logger.With("component", "screendriver"))
	}

	if cfg.RTPBeepAddr != "" {
		b, err := rtpbeep.New(cfg.RTPBeepAddr)
		if err != nil {
			return deps, fmt.Errorf("rtp beep: %w", err)
		}
		deps.Beeper = b
		logger.Info("beeping on remote speaker", "addr", cfg.RTPBeepAddr, "frames", b.Frames())
	}
	return deps, nil
}
