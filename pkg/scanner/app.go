package scanner

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-scan/pkg/camera"
	"github.com/teslashibe/go-scan/pkg/decode"
	"github.com/teslashibe/go-scan/pkg/feedback"
	"github.com/teslashibe/go-scan/pkg/gdocs"
	"github.com/teslashibe/go-scan/pkg/history"
	"github.com/teslashibe/go-scan/pkg/hub"
	"github.com/teslashibe/go-scan/pkg/scan"
	"github.com/teslashibe/go-scan/pkg/sink"
	"github.com/teslashibe/go-scan/pkg/web"
)

// Session end reasons recorded in history.
const (
	ReasonStopped  = "stopped"
	ReasonResult   = "result"
	ReasonIdle     = "idle"
	ReasonReload   = "reload"
	ReasonShutdown = "shutdown"
	ReasonFailed   = "failed"
)

const (
	sinkQueueSize  = 64
	historyTimeout = 5 * time.Second
	docsTimeout    = 15 * time.Second
	previewQuality = 70
	storeOpTimeout = 5 * time.Second
)

// Deps are the hardware-facing collaborators chosen by the command.
// Zero fields get defaults where one exists.
type Deps struct {
	// Driver opens the camera. Required unless the camera backend is mock.
	Driver camera.Driver
	// DecodeImage turns uploaded bytes into an image. Defaults to the
	// standard library decoders (JPEG, PNG).
	DecodeImage func([]byte) (image.Image, error)
	Beeper      feedback.Beeper
	Vibrator    feedback.Vibrator
	Logger      *slog.Logger
}

// sessionStore is the part of *history.Store the app drives directly;
// results reach it through storeSink.
type sessionStore interface {
	StartSession(ctx context.Context, id string, cfg scan.SessionConfig, at time.Time) error
	EndSession(ctx context.Context, id, reason string, at time.Time) error
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
	Close() error
}

type eventKind int

const (
	evIdle eventKind = iota
	evFinished
	evReload
)

type event struct {
	kind    eventKind
	session string
	config  scan.SessionConfig
}

// App is the scanner application orchestrator. It keeps at most one
// capture session running.
type App struct {
	config Config
	deps   Deps
	logger *slog.Logger

	source   *camera.Source
	decoder  *decode.ZXing
	gallery  *decode.Gallery
	idle     *feedback.IdleTimer
	feedback *feedback.Coordinator

	server   *web.Server
	results  *hub.Hub
	previews *hub.Hub

	store     sessionStore
	storeSink *sink.Async
	docs      *gdocs.Client
	docsSink  *sink.Async

	events chan event

	// lifecycle serializes Resume and pause, which open and close the
	// camera and talk to history. It is taken before mu; mu is only held
	// for field access so Status never waits on hardware or the database.
	lifecycle sync.Mutex

	mu         sync.Mutex
	ctrl       *scan.Controller
	sessionID  string
	sessionCfg scan.SessionConfig
	lastState  scan.State
	lastStats  scan.Stats

	// Results arrive on the controller goroutine, which may be waiting on
	// mu in a Resume or pause. They get their own mutex.
	resultsMu sync.Mutex
	delivered []scan.Result
}

// New creates a scanner application with the given configuration.
func New(cfg Config, deps Deps) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Driver == nil {
		if cfg.Camera.Backend != camera.BackendMock {
			return nil, &ConfigError{Field: "Driver", Message: fmt.Sprintf("no driver for camera backend %q", cfg.Camera.Backend)}
		}
		mock := camera.NewMockDriver(image.Pt(cfg.Camera.Width, cfg.Camera.Height))
		mock.AutoDeliver = true
		deps.Driver = mock
	}
	if deps.DecodeImage == nil {
		deps.DecodeImage = decodeStdImage
	}

	return &App{
		config:     cfg,
		deps:       deps,
		logger:     deps.Logger,
		sessionCfg: cfg.Session,
		lastState:  scan.Stopped,
		events:     make(chan event, 8),
	}, nil
}

// Init initializes all components.
// Call this after New() and before Run().
func (a *App) Init(ctx context.Context) error {
	if a.config.SessionFile != "" {
		cfg, err := scan.LoadSessionConfig(a.config.SessionFile)
		if err != nil {
			return fmt.Errorf("session config: %w", err)
		}
		a.sessionCfg = cfg
	}

	a.source = camera.NewSource(a.deps.Driver, a.config.Camera, a.logger.With("component", "camera"))
	if a.config.FramingWidth > 0 && a.config.FramingHeight > 0 {
		a.source.SetManualFramingRect(a.config.FramingWidth, a.config.FramingHeight)
	}

	a.decoder = decode.NewZXing(a.logger.With("component", "decode"))
	a.gallery = decode.NewGallery(a.decoder, a.logger.With("component", "gallery"))

	a.idle = feedback.NewIdleTimer(a.config.IdleTimeout, func() { a.post(event{kind: evIdle}) })

	beeper := a.deps.Beeper
	if beeper == nil && a.config.BeepCommand != "" {
		b := feedback.NewCommandBeeper()
		b.Command = a.config.BeepCommand
		beeper = b
	}
	vibrator := a.deps.Vibrator
	if vibrator == nil {
		vibrator = feedback.LogVibrator{Logger: a.logger.With("component", "vibrator")}
	}
	ringer := feedback.FixedRinger(feedback.ParseRingerMode(a.config.RingerMode))
	a.feedback = feedback.NewCoordinator(beeper, vibrator, ringer, a.idle, a.logger.With("component", "feedback"))

	if a.config.DatabaseURL != "" {
		store, err := history.Open(ctx, a.config.DatabaseURL, a.logger.With("component", "history"))
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		a.store = store
		a.storeSink = sink.NewAsync("history", store, sinkQueueSize, historyTimeout, a.logger)
	}

	if a.config.GoogleClientID != "" {
		docs, err := gdocs.New(gdocs.Config{
			ClientID:     a.config.GoogleClientID,
			ClientSecret: a.config.GoogleClientSecret,
			RedirectURL:  a.config.GoogleRedirectURL,
			TokenPath:    a.config.GoogleTokenPath,
			DocumentID:   a.config.GoogleDocumentID,
		}, a.logger.With("component", "gdocs"))
		if err != nil {
			return fmt.Errorf("google docs: %w", err)
		}
		a.docs = docs
		a.docsSink = sink.NewAsync("gdocs", sink.RecorderFunc(docs.Append), sinkQueueSize, docsTimeout, a.logger)
		if !docs.Authenticated() {
			a.logger.Info("google docs not connected", "auth_url", docs.AuthURL())
		}
	}

	if a.config.WebAddr != "" {
		var docsAuth web.DocsAuth
		if a.docs != nil {
			docsAuth = a.docs
		}
		a.server = web.NewServer(a.config.WebAddr, a, docsAuth, a.logger.With("component", "web"))
		a.results = a.server.Results()
		a.previews = a.server.Previews()
	}

	return nil
}

// Run resumes a session if AutoStart is set and handles session events
// until ctx is done. With ExitAfterResult it returns once a single-shot
// session has delivered.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	if a.server != nil {
		go func() { serverErr <- a.server.Run(ctx) }()
	}
	if a.config.WatchSession {
		go func() {
			if err := watchSessionFile(ctx, a.config.SessionFile, a.logger, func(cfg scan.SessionConfig) {
				a.post(event{kind: evReload, config: cfg})
			}); err != nil {
				a.logger.Warn("session file watch stopped", "error", err)
			}
		}()
	}

	if a.config.AutoStart {
		if err := a.Resume(); err != nil {
			if !camera.IsDegraded(err) {
				return err
			}
			a.logger.Warn("camera degraded", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-serverErr:
			if err != nil {
				return fmt.Errorf("web server: %w", err)
			}

		case ev := <-a.events:
			done, err := a.handleEvent(ev)
			if err != nil || done {
				return err
			}
		}
	}
}

func (a *App) handleEvent(ev event) (bool, error) {
	switch ev.kind {
	case evIdle:
		a.logger.Info("session idle, pausing", "timeout", a.config.IdleTimeout)
		return false, a.pause(ReasonIdle)

	case evFinished:
		a.mu.Lock()
		ctrl := a.ctrl
		current := a.sessionID == ev.session && ctrl != nil
		a.mu.Unlock()
		if !current {
			return false, nil
		}
		if cerr := ctrl.Err(); cerr != nil {
			a.logger.Error("session failed", "session", ev.session, "error", cerr)
			if err := a.pause(ReasonFailed); err != nil {
				return false, err
			}
			if a.config.ExitAfterResult {
				return true, cerr
			}
			return false, nil
		}
		if err := a.pause(ReasonResult); err != nil {
			return false, err
		}
		return a.config.ExitAfterResult, nil

	case evReload:
		a.mu.Lock()
		a.sessionCfg = ev.config
		running := a.ctrl != nil
		a.mu.Unlock()
		a.logger.Info("session config changed", "config", ev.config, "restart", running)
		if !running {
			return false, nil
		}
		if err := a.pause(ReasonReload); err != nil {
			return false, err
		}
		if err := a.Resume(); err != nil && !camera.IsDegraded(err) {
			return false, err
		}
	}
	return false, nil
}

func (a *App) post(ev event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("event queue full, dropping event", "kind", ev.kind)
	}
}

// Resume opens the camera and starts a new session. A Degraded camera
// error is returned alongside a running session; any other error leaves
// the scanner paused. Resuming a running session is a no-op.
func (a *App) Resume() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	running := a.ctrl != nil
	cfg := a.sessionCfg
	a.mu.Unlock()
	if running {
		return nil
	}

	ctrl, warning := a.startSession(cfg)
	if ctrl == nil {
		return warning
	}

	a.idle.Start()
	go a.awaitSession(ctrl.SessionID(), ctrl)

	a.logger.Info("session started", "session", ctrl.SessionID(), "continuous", cfg.ContinuousScan, "degraded", warning != nil)
	a.broadcast(hub.EventSession, map[string]interface{}{"session_id": ctrl.SessionID(), "status": "started", "config": cfg})
	return warning
}

// startSession opens the camera, records the session and starts capture.
// Only the hand-over of the controller happens under mu. Like Resume, it
// may return a Degraded error with a running controller.
func (a *App) startSession(cfg scan.SessionConfig) (*scan.Controller, error) {
	var warning error
	if err := a.source.Open(a.config.Camera.Viewport()); err != nil {
		if !camera.IsDegraded(err) {
			return nil, err
		}
		warning = err
	}

	id := uuid.NewString()
	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		if err := a.store.StartSession(ctx, id, cfg, time.Now()); err != nil {
			a.logger.Warn("failed to record session start", "session", id, "error", err)
		}
		cancel()
	}

	sinks := sink.Fanout{scan.SinkFunc(a.publishResult)}
	if a.storeSink != nil {
		sinks = append(sinks, a.storeSink)
	}
	if a.docsSink != nil {
		sinks = append(sinks, a.docsSink)
	}

	ctrl := scan.NewController(scan.Options{
		Source:          a.source,
		Decoder:         a.decoder,
		Config:          cfg,
		Sink:            sinks,
		Feedback:        a.feedback,
		SessionID:       id,
		ShutdownTimeout: a.config.ShutdownTimeout,
		ResultDelay:     a.config.ResultDelay,
		Logger:          a.logger.With("component", "capture"),
		OnStateChange: func(from, to scan.State) {
			a.broadcast(hub.EventState, map[string]interface{}{"session_id": id, "from": from, "to": to})
		},
		OnDecoded: a.publishPreview,
	})

	// The session is current before its first frame, so a result that
	// finishes it at once is not mistaken for a stale one.
	a.mu.Lock()
	a.ctrl = ctrl
	a.sessionID = id
	a.mu.Unlock()

	if err := ctrl.Start(); err != nil {
		a.mu.Lock()
		if a.ctrl == ctrl {
			a.ctrl = nil
		}
		a.mu.Unlock()
		ctrl.Quit()
		a.source.Close()
		if a.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			a.store.EndSession(ctx, id, ReasonFailed, time.Now())
			cancel()
		}
		return nil, fmt.Errorf("start capture: %w", err)
	}
	return ctrl, warning
}

// awaitSession reports a session that stopped on its own.
func (a *App) awaitSession(id string, ctrl *scan.Controller) {
	<-ctrl.Done()
	a.post(event{kind: evFinished, session: id})
}

// Pause ends the running session: the controller quits, the idle timer
// stops and the camera is closed. Pausing when paused is a no-op.
func (a *App) Pause() error {
	return a.pause(ReasonStopped)
}

func (a *App) pause(reason string) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	ctrl := a.ctrl
	id := a.sessionID
	a.ctrl = nil
	a.mu.Unlock()

	if ctrl == nil {
		return nil
	}

	if err := ctrl.Quit(); err != nil {
		// The worker is abandoned; its late outcome is discarded.
		a.logger.Warn("capture did not stop cleanly", "session", id, "error", err)
	}
	a.idle.Stop()
	if err := a.source.Close(); err != nil {
		a.logger.Warn("camera close failed", "error", err)
	}

	a.mu.Lock()
	a.lastState = ctrl.State()
	a.lastStats = ctrl.Stats()
	a.mu.Unlock()

	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		if err := a.store.EndSession(ctx, id, reason, time.Now()); err != nil {
			a.logger.Warn("failed to record session end", "session", id, "error", err)
		}
		cancel()
	}

	stats := ctrl.Stats()
	a.logger.Info("session ended", "session", id, "reason", reason,
		"frames", stats.FramesDecoded, "delivered", stats.Delivered, "discarded", stats.Discarded)
	a.broadcast(hub.EventSession, map[string]interface{}{"session_id": id, "status": "ended", "reason": reason, "stats": stats})
	return nil
}

// Restart resumes scanning after a continuous result when auto-restart
// is off. With no session running it starts a new one.
func (a *App) Restart() error {
	a.mu.Lock()
	ctrl := a.ctrl
	a.mu.Unlock()

	if ctrl == nil {
		return a.Resume()
	}
	ctrl.Restart()
	return nil
}

// Shutdown stops the session and releases every component.
func (a *App) Shutdown() {
	if a.source == nil {
		return
	}
	if err := a.pause(ReasonShutdown); err != nil {
		a.logger.Warn("pause on shutdown failed", "error", err)
	}
	a.feedback.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), docsTimeout)
	defer cancel()
	for _, s := range []*sink.Async{a.storeSink, a.docsSink} {
		if s == nil {
			continue
		}
		if err := s.Close(ctx); err != nil {
			a.logger.Warn("result sink did not drain", "error", err)
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Info("scanner stopped")
}

// Delivered returns the results delivered since the app started, oldest
// first.
func (a *App) Delivered() []scan.Result {
	a.resultsMu.Lock()
	defer a.resultsMu.Unlock()
	return append([]scan.Result(nil), a.delivered...)
}

func (a *App) publishResult(r scan.Result) {
	a.resultsMu.Lock()
	a.delivered = append(a.delivered, r)
	a.resultsMu.Unlock()

	a.logger.Info("scan result", "session", r.SessionID, "format", r.Symbol.Format, "text", r.Symbol.Text)
	a.broadcast(hub.EventResult, r)
}

// publishPreview sends the decode thumbnail to preview renderers.
func (a *App) publishPreview(res decode.Result) {
	if a.previews == nil || res.Preview == nil {
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, res.Preview, &jpeg.Options{Quality: previewQuality}); err != nil {
		a.logger.Debug("preview encode failed", "error", err)
		return
	}
	a.previews.BroadcastBinary(buf.Bytes())
}

func (a *App) broadcast(typ string, data interface{}) {
	if a.results == nil {
		return
	}
	if err := a.results.BroadcastEvent(typ, data); err != nil {
		a.logger.Debug("broadcast failed", "type", typ, "error", err)
	}
}

// Status implements web.Backend.
func (a *App) Status() web.Status {
	a.mu.Lock()
	st := web.Status{
		Config: a.sessionCfg,
		State:  a.lastState.String(),
		Stats:  a.lastStats,
	}
	if a.ctrl != nil {
		st.SessionID = a.sessionID
		st.State = a.ctrl.State().String()
		st.Stats = a.ctrl.Stats()
		st.Config = a.ctrl.Config()
	}
	a.mu.Unlock()

	st.CameraOpen = a.source.IsOpen()
	st.Orientation = a.source.Orientation().String()
	st.HasFlash = a.source.HasFlash()
	st.Torch = a.source.Torch()
	return st
}

// FramingRegion implements web.Backend.
func (a *App) FramingRegion() (camera.FramingRegion, bool) {
	return a.source.FramingRegion()
}

// ToggleTorch implements web.Backend.
func (a *App) ToggleTorch() (bool, error) {
	if err := a.source.ToggleTorch(); err != nil {
		return a.source.Torch(), err
	}
	return a.source.Torch(), nil
}

// DecodeImage decodes an uploaded still image off the capture pipeline.
func (a *App) DecodeImage(ctx context.Context, data []byte) (decode.Result, error) {
	img, err := a.deps.DecodeImage(data)
	if err != nil {
		return decode.Result{}, fmt.Errorf("%w: %v", web.ErrInvalidImage, err)
	}
	res, err := a.gallery.Decode(ctx, img)
	if err != nil {
		return decode.Result{}, err
	}
	a.logger.Info("gallery decode", "format", res.Symbol.Format, "text", res.Symbol.Text)
	return res, nil
}

// History implements web.Backend.
func (a *App) History(ctx context.Context, limit int) ([]history.Entry, error) {
	if a.store == nil {
		return nil, web.ErrUnavailable
	}
	return a.store.Recent(ctx, limit)
}

func decodeStdImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}
