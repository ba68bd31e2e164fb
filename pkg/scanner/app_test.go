package scanner

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/teslashibe/go-scan/internal/log"
	"github.com/teslashibe/go-scan/pkg/camera"
	"github.com/teslashibe/go-scan/pkg/history"
	"github.com/teslashibe/go-scan/pkg/scan"
	"github.com/teslashibe/go-scan/pkg/web"
)

type countBeeper struct{ n atomic.Int32 }

func (b *countBeeper) Beep(context.Context) error { b.n.Add(1); return nil }

// qrImage renders text as a size x size QR code.
func qrImage(t *testing.T, text string, size int) *image.Gray {
	t.Helper()
	bm, err := qrcode.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, size, size, nil)
	if err != nil {
		t.Fatalf("encode QR: %v", err)
	}
	img := image.NewGray(image.Rect(0, 0, bm.GetWidth(), bm.GetHeight()))
	for y := 0; y < bm.GetHeight(); y++ {
		for x := 0; x < bm.GetWidth(); x++ {
			if bm.Get(x, y) {
				img.SetGray(x, y, color.Gray{Y: 0})
			} else {
				img.SetGray(x, y, color.Gray{Y: 0xff})
			}
		}
	}
	return img
}

// qrDriver is a mock camera whose frames show a QR code.
func qrDriver(t *testing.T, text string) *camera.MockDriver {
	code := qrImage(t, text, 240)
	d := camera.NewMockDriver(image.Pt(640, 480))
	d.AutoDeliver = true
	d.FrameFunc = func(p camera.Parameters) camera.Frame {
		w, h := p.PreviewSize.X, p.PreviewSize.Y
		f := camera.GrayFrame(w, h, 0xff)
		cw, ch := code.Bounds().Dx(), code.Bounds().Dy()
		ox, oy := (w-cw)/2, (h-ch)/2
		for y := 0; y < ch; y++ {
			copy(f.Data[(oy+y)*w+ox:(oy+y)*w+ox+cw], code.Pix[y*code.Stride:y*code.Stride+cw])
		}
		f.CapturedAt = time.Now()
		return f
	}
	return d
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Camera.Backend = camera.BackendMock
	cfg.Camera.Width, cfg.Camera.Height = 640, 480
	cfg.Camera.ScreenWidth, cfg.Camera.ScreenHeight = 640, 480
	cfg.WebAddr = ""
	cfg.BeepCommand = ""
	cfg.Session.Vibrate = false
	return cfg
}

func newTestApp(t *testing.T, cfg Config, deps Deps) *App {
	t.Helper()
	deps.Logger = log.Discard()
	app, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := app.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return app
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApp_SingleShotExitsAfterResult(t *testing.T) {
	cfg := testConfig()
	cfg.ExitAfterResult = true
	beeper := &countBeeper{}
	app := newTestApp(t, cfg, Deps{Driver: qrDriver(t, "ABC123"), Beeper: beeper})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run returned by timeout, not by result")
	}
	app.Shutdown()

	got := app.Delivered()
	if len(got) != 1 || got[0].Symbol.Text != "ABC123" {
		t.Fatalf("Expected one ABC123 result, got %+v", got)
	}
	if beeper.n.Load() != 1 {
		t.Errorf("Expected 1 beep, got %d", beeper.n.Load())
	}

	st := app.Status()
	if st.CameraOpen || st.State != scan.Stopped.String() || st.SessionID != "" {
		t.Errorf("Expected paused scanner, got %+v", st)
	}
	if st.Stats.Delivered != 1 {
		t.Errorf("Expected last session stats to show 1 delivery, got %+v", st.Stats)
	}
}

func TestApp_ContinuousPauseResume(t *testing.T) {
	cfg := testConfig()
	cfg.Session.ContinuousScan = true
	cfg.Session.PlayBeep = false
	driver := qrDriver(t, "LOOP")
	app := newTestApp(t, cfg, Deps{Driver: driver})
	defer app.Shutdown()

	if err := app.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	first := app.Status().SessionID
	if first == "" {
		t.Fatal("Expected a session id")
	}
	// Resume while running is a no-op.
	if err := app.Resume(); err != nil || app.Status().SessionID != first {
		t.Fatalf("Expected second Resume to keep session %s", first)
	}

	waitFor(t, "three results", func() bool { return len(app.Delivered()) >= 3 })

	if err := app.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if !driver.Device().Closed() {
		t.Error("Expected camera closed after Pause")
	}
	if err := app.Pause(); err != nil {
		t.Errorf("Second Pause should be a no-op, got %v", err)
	}

	n := len(app.Delivered())
	time.Sleep(50 * time.Millisecond)
	if len(app.Delivered()) != n {
		t.Error("Results delivered after Pause")
	}

	if err := app.Restart(); err != nil {
		t.Fatalf("Restart with no session should resume, got %v", err)
	}
	second := app.Status().SessionID
	if second == "" || second == first {
		t.Errorf("Expected a new session id, got %q (first %q)", second, first)
	}
	if driver.Opens() != 2 {
		t.Errorf("Expected camera reopened, got %d opens", driver.Opens())
	}
}

func TestApp_OpenFailedIsFatal(t *testing.T) {
	driver := camera.NewMockDriver(image.Pt(640, 480))
	driver.OpenErr = errors.New("camera busy")
	app := newTestApp(t, testConfig(), Deps{Driver: driver})

	err := app.Run(context.Background())
	if !camera.IsOpenFailed(err) {
		t.Fatalf("Expected OpenFailed from Run, got %v", err)
	}
	if app.Status().SessionID != "" {
		t.Error("Expected no session after open failure")
	}
}

func TestApp_DegradedStillScans(t *testing.T) {
	driver := qrDriver(t, "DEGRADED")
	driver.Reject = func(camera.Parameters) bool { return true }
	cfg := testConfig()
	cfg.Session.ContinuousScan = true
	app := newTestApp(t, cfg, Deps{Driver: driver})
	defer app.Shutdown()

	err := app.Resume()
	if !camera.IsDegraded(err) {
		t.Fatalf("Expected Degraded, got %v", err)
	}
	if app.Status().SessionID == "" {
		t.Fatal("Expected a running session on a degraded camera")
	}
	waitFor(t, "a result", func() bool { return len(app.Delivered()) > 0 })
}

func TestApp_IdlePauses(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	driver := camera.NewMockDriver(image.Pt(640, 480))
	driver.AutoDeliver = true
	app := newTestApp(t, cfg, Deps{Driver: driver})
	defer app.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	waitFor(t, "idle pause", func() bool {
		return driver.Opens() == 1 && !app.Status().CameraOpen
	})
	if app.Status().SessionID != "" {
		t.Error("Expected session ended by idle timeout")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestApp_ReloadRestartsSession(t *testing.T) {
	cfg := testConfig()
	driver := camera.NewMockDriver(image.Pt(640, 480))
	driver.AutoDeliver = true
	app := newTestApp(t, cfg, Deps{Driver: driver})
	defer app.Shutdown()

	if err := app.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	first := app.Status().SessionID

	next := scan.DefaultSessionConfig()
	next.ContinuousScan = true
	if _, err := app.handleEvent(event{kind: evReload, config: next}); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	st := app.Status()
	if st.SessionID == first || st.SessionID == "" {
		t.Errorf("Expected a new session after reload, got %q", st.SessionID)
	}
	if !st.Config.ContinuousScan {
		t.Error("Expected reloaded config on the new session")
	}
}

func TestApp_StaleFinishIgnored(t *testing.T) {
	driver := camera.NewMockDriver(image.Pt(640, 480))
	driver.AutoDeliver = true
	app := newTestApp(t, testConfig(), Deps{Driver: driver})
	defer app.Shutdown()

	if err := app.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	done, err := app.handleEvent(event{kind: evFinished, session: "old-session"})
	if done || err != nil {
		t.Fatalf("Expected stale finish ignored, got %v %v", done, err)
	}
	if !app.Status().CameraOpen {
		t.Error("Stale finish closed the camera")
	}
}

// slowStore blocks StartSession until release is closed.
type slowStore struct {
	entered chan struct{}
	release chan struct{}
	ended   atomic.Int32
}

func (s *slowStore) StartSession(ctx context.Context, id string, cfg scan.SessionConfig, at time.Time) error {
	close(s.entered)
	<-s.release
	return nil
}

func (s *slowStore) EndSession(ctx context.Context, id, reason string, at time.Time) error {
	s.ended.Add(1)
	return nil
}

func (s *slowStore) Recent(ctx context.Context, limit int) ([]history.Entry, error) {
	return nil, nil
}

func (s *slowStore) Close() error { return nil }

func TestApp_StatusDuringSlowSessionStart(t *testing.T) {
	driver := camera.NewMockDriver(image.Pt(640, 480))
	app := newTestApp(t, testConfig(), Deps{Driver: driver})
	defer app.Shutdown()
	store := &slowStore{entered: make(chan struct{}), release: make(chan struct{})}
	app.store = store

	resumed := make(chan error, 1)
	go func() { resumed <- app.Resume() }()
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Resume never recorded the session")
	}

	status := make(chan web.Status, 1)
	go func() { status <- app.Status() }()
	select {
	case st := <-status:
		if st.SessionID != "" {
			t.Errorf("Session should not be current before it starts, got %s", st.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind the history write")
	}

	close(store.release)
	if err := <-resumed; err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if app.Status().SessionID == "" {
		t.Error("Expected a running session after Resume")
	}
	if err := app.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if store.ended.Load() != 1 {
		t.Errorf("Expected the session end recorded once, got %d", store.ended.Load())
	}
}

func TestApp_DecodeImage(t *testing.T) {
	app := newTestApp(t, testConfig(), Deps{})

	var buf bytes.Buffer
	if err := png.Encode(&buf, qrImage(t, "GALLERY", 200)); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	res, err := app.DecodeImage(context.Background(), buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if res.Symbol.Text != "GALLERY" {
		t.Errorf("Expected GALLERY, got %q", res.Symbol.Text)
	}

	if _, err := app.DecodeImage(context.Background(), []byte("not an image")); !errors.Is(err, web.ErrInvalidImage) {
		t.Errorf("Expected ErrInvalidImage, got %v", err)
	}

	if _, err := app.History(context.Background(), 10); !errors.Is(err, web.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable without a database, got %v", err)
	}
}

func TestApp_TorchWithoutFlash(t *testing.T) {
	app := newTestApp(t, testConfig(), Deps{})
	defer app.Shutdown()
	if err := app.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if _, err := app.ToggleTorch(); !errors.Is(err, camera.ErrNoFlash) {
		t.Errorf("Expected ErrNoFlash, got %v", err)
	}
	if _, ok := app.FramingRegion(); !ok {
		t.Error("Expected framing region while open")
	}
}

func TestNew_RequiresDriverForHardwareBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Camera.Backend = camera.BackendOpenCV
	_, err := New(cfg, Deps{})
	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Field != "Driver" {
		t.Errorf("Expected Driver ConfigError, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	bad := cfg
	bad.WatchSession = true
	if err := bad.Validate(); err == nil {
		t.Error("Expected error watching without a session file")
	}

	bad = cfg
	bad.GoogleClientID = "id"
	if err := bad.Validate(); err == nil {
		t.Error("Expected error with client id but no secret")
	}

	bad = cfg
	bad.RingerMode = "loud"
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for unknown ringer mode")
	}

	bad = cfg
	bad.Camera.Width = 10
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for invalid camera config")
	}
}

func TestConfig_LoadEnvConfig(t *testing.T) {
	t.Setenv("SCAN_IDLE_TIMEOUT", "90s")
	t.Setenv("SCAN_RINGER_MODE", "silent")
	t.Setenv("GOOGLE_CLIENT_ID", "cid")

	cfg := DefaultConfig()
	cfg.LoadEnvConfig()
	if cfg.IdleTimeout != 90*time.Second || cfg.RingerMode != "silent" || cfg.GoogleClientID != "cid" {
		t.Errorf("Env overrides not applied: %+v", cfg)
	}
}

func TestWatchSessionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := scan.SaveSessionConfig(path, scan.DefaultSessionConfig()); err != nil {
		t.Fatalf("save: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan scan.SessionConfig, 4)
	go watchSessionFile(ctx, path, log.Discard(), func(c scan.SessionConfig) { changes <- c })
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"continuous_scan": true}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case c := <-changes:
		if !c.ContinuousScan || !c.PlayBeep {
			t.Errorf("Expected continuous over defaults, got %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("No reload after writing the session file")
	}
}
