// Package web serves the scanner's HTTP API and the websocket feeds that
// carry scan results and decode previews to renderers.
package web

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-scan/pkg/camera"
	"github.com/teslashibe/go-scan/pkg/decode"
	"github.com/teslashibe/go-scan/pkg/history"
	"github.com/teslashibe/go-scan/pkg/hub"
	"github.com/teslashibe/go-scan/pkg/scan"
)

// MaxUploadSize bounds gallery uploads.
const MaxUploadSize = 16 << 20

// ErrUnavailable is returned by a Backend for features that are not
// configured, such as history without a database.
var ErrUnavailable = errors.New("feature not configured")

// ErrInvalidImage is returned when an upload is not a readable image.
var ErrInvalidImage = errors.New("invalid image")

// Status is the scanner state reported by /api/status.
type Status struct {
	SessionID   string             `json:"session_id,omitempty"`
	State       string             `json:"state"`
	Config      scan.SessionConfig `json:"config"`
	Stats       scan.Stats         `json:"stats"`
	CameraOpen  bool               `json:"camera_open"`
	Orientation string             `json:"orientation"`
	HasFlash    bool               `json:"has_flash"`
	Torch       bool               `json:"torch"`
	Clients     int                `json:"clients"`
	Dropped     int64              `json:"dropped_events"`
}

// Backend is what the server drives. *scanner.App implements it.
type Backend interface {
	Status() Status
	FramingRegion() (camera.FramingRegion, bool)
	Resume() error
	Pause() error
	Restart() error
	ToggleTorch() (bool, error)
	DecodeImage(ctx context.Context, data []byte) (decode.Result, error)
	History(ctx context.Context, limit int) ([]history.Entry, error)
}

// DocsAuth is the Google Docs consent flow. Optional.
type DocsAuth interface {
	AuthURL() string
	HandleCallback(ctx context.Context, state, code string) error
}

// Server is the HTTP API server.
type Server struct {
	app     *fiber.App
	addr    string
	backend Backend
	docs    DocsAuth
	logger  *slog.Logger

	results  *hub.Hub
	previews *hub.Hub
}

// NewServer creates the server. docs may be nil.
func NewServer(addr string, backend Backend, docs DocsAuth, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:     addr,
		backend:  backend,
		docs:     docs,
		logger:   logger,
		results:  hub.New("results", logger),
		previews: hub.New("previews", logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-scan",
		DisableStartupMessage: true,
		BodyLimit:             MaxUploadSize,
		ReadTimeout:           30 * time.Second,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/framing", s.handleFraming)
	api.Post("/session/start", s.handleSessionStart)
	api.Post("/session/stop", s.handleSessionStop)
	api.Post("/session/restart", s.handleSessionRestart)
	api.Post("/torch", s.handleTorch)
	api.Post("/decode", s.handleDecode)
	api.Get("/history", s.handleHistory)
	api.Get("/gdocs/auth", s.handleDocsAuth)
	api.Get("/gdocs/callback", s.handleDocsCallback)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/results", websocket.New(s.handleResultsWS))
	app.Get("/ws/previews", websocket.New(s.handlePreviewsWS))

	s.app = app
	return s
}

// Results is the hub carrying JSON scan events.
func (s *Server) Results() *hub.Hub { return s.results }

// Previews is the hub carrying JPEG decode previews.
func (s *Server) Previews() *hub.Hub { return s.previews }

// Run starts the hubs and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go s.results.Run(ctx)
	go s.previews.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", "addr", s.addr)
		errCh <- s.app.Listen(s.addr)
	}()

	select {
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(5 * time.Second)
	case err := <-errCh:
		return err
	}
}
