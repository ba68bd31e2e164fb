package web

import (
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-scan/pkg/camera"
	"github.com/teslashibe/go-scan/pkg/decode"
	"github.com/teslashibe/go-scan/pkg/hub"
)

func (s *Server) handleStatus(c *fiber.Ctx) error {
	st := s.backend.Status()
	st.Clients = s.results.ClientCount() + s.previews.ClientCount()
	st.Dropped = s.results.Dropped() + s.previews.Dropped()
	return c.JSON(st)
}

func (s *Server) handleFraming(c *fiber.Ctx) error {
	region, ok := s.backend.FramingRegion()
	if !ok {
		return fail(c, fiber.StatusConflict, camera.ErrNotOpen)
	}
	return c.JSON(region)
}

func (s *Server) handleSessionStart(c *fiber.Ctx) error {
	if err := s.backend.Resume(); err != nil {
		// A degraded camera still scans.
		if !camera.IsDegraded(err) {
			return fail(c, statusFor(err), err)
		}
		return c.JSON(fiber.Map{"status": "started", "warning": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "started"})
}

func (s *Server) handleSessionStop(c *fiber.Ctx) error {
	if err := s.backend.Pause(); err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.JSON(fiber.Map{"status": "stopped"})
}

func (s *Server) handleSessionRestart(c *fiber.Ctx) error {
	if err := s.backend.Restart(); err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.JSON(fiber.Map{"status": "restarted"})
}

func (s *Server) handleTorch(c *fiber.Ctx) error {
	on, err := s.backend.ToggleTorch()
	if err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.JSON(fiber.Map{"torch": on})
}

// handleDecode decodes an uploaded image (form field "image") off the
// capture pipeline.
func (s *Server) handleDecode(c *fiber.Ctx) error {
	fh, err := c.FormFile("image")
	if err != nil {
		return fail(c, fiber.StatusBadRequest, errors.New("missing image upload"))
	}
	f, err := fh.Open()
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxUploadSize))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}

	res, err := s.backend.DecodeImage(c.UserContext(), data)
	if err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.JSON(fiber.Map{
		"text":   res.Symbol.Text,
		"format": res.Symbol.Format,
		"points": res.Symbol.Points,
	})
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	entries, err := s.backend.History(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.JSON(entries)
}

func (s *Server) handleDocsAuth(c *fiber.Ctx) error {
	if s.docs == nil {
		return fail(c, fiber.StatusNotImplemented, ErrUnavailable)
	}
	return c.Redirect(s.docs.AuthURL(), fiber.StatusTemporaryRedirect)
}

func (s *Server) handleDocsCallback(c *fiber.Ctx) error {
	if s.docs == nil {
		return fail(c, fiber.StatusNotImplemented, ErrUnavailable)
	}
	if err := s.docs.HandleCallback(c.UserContext(), c.Query("state"), c.Query("code")); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	return c.SendString("Google Docs connected. You can close this window.")
}

func (s *Server) handleResultsWS(c *websocket.Conn) {
	hub.NewClient(s.results, c).Run()
}

func (s *Server) handlePreviewsWS(c *websocket.Conn) {
	hub.NewClient(s.previews, c).Run()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnavailable):
		return fiber.StatusNotImplemented
	case errors.Is(err, ErrInvalidImage):
		return fiber.StatusBadRequest
	case errors.Is(err, decode.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, camera.ErrNoFlash), errors.Is(err, camera.ErrNotOpen):
		return fiber.StatusConflict
	case camera.IsOpenFailed(err):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, code int, err error) error {
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
