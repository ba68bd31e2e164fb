package scan

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-scan/internal/log"
	"github.com/teslashibe/go-scan/pkg/camera"
	"github.com/teslashibe/go-scan/pkg/decode"
)

// scriptDecoder returns the scripted text for the n-th call ("" means not
// found) and NotFound once the script is exhausted.
type scriptDecoder struct {
	script []string

	mu          sync.Mutex
	seqs        []uint64
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (d *scriptDecoder) Decode(ctx context.Context, f camera.Frame, h decode.Hints) (decode.Result, error) {
	n := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		m := d.maxInflight.Load()
		if n <= m || d.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	d.mu.Lock()
	i := len(d.seqs)
	d.seqs = append(d.seqs, f.Seq)
	d.mu.Unlock()

	if i < len(d.script) && d.script[i] != "" {
		return decode.Result{Symbol: decode.Symbol{Text: d.script[i], Format: "QR_CODE"}}, nil
	}
	return decode.Result{}, decode.ErrNotFound
}

func (d *scriptDecoder) calls() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint64(nil), d.seqs...)
}

type recordSink struct {
	mu      sync.Mutex
	results []Result
	times   []time.Time
	notify  chan struct{}
}

func newRecordSink() *recordSink {
	return &recordSink{notify: make(chan struct{}, 64)}
}

func (s *recordSink) Deliver(r Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.times = append(s.times, time.Now())
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *recordSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.results {
		out = append(out, r.Symbol.Text)
	}
	return out
}

type recordFeedback struct {
	mu    sync.Mutex
	times []time.Time
}

func (f *recordFeedback) Found(SessionConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times = append(f.times, time.Now())
}

func (f *recordFeedback) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.times)
}

func openSource(t *testing.T, auto bool) (*camera.Source, *camera.MockDriver) {
	t.Helper()
	d := camera.NewMockDriver(image.Pt(64, 48))
	d.AutoDeliver = auto
	cfg := camera.DefaultConfig()
	cfg.Width, cfg.Height = 64, 48
	src := camera.NewSource(d, cfg, log.Discard())
	if err := src.Open(nil); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { src.Close() })
	return src, d
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for stop, state=%v", c.State())
	}
}

func waitDeliveries(t *testing.T, s *recordSink, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for len(s.texts()) < n {
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("Timeout waiting for %d deliveries, got %v", n, s.texts())
		}
	}
}

func TestController_SingleShotScenario(t *testing.T) {
	src, _ := openSource(t, true)
	dec := &scriptDecoder{script: []string{"", "", "ABC123"}}
	sink := newRecordSink()
	fb := &recordFeedback{}

	var mu sync.Mutex
	var transitions []State
	cfg := DefaultSessionConfig()
	cfg.Vibrate = false

	c := NewController(Options{
		Source:   src,
		Decoder:  dec,
		Config:   cfg,
		Sink:     sink,
		Feedback: fb,
		Logger:   log.Discard(),
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, c)

	if got := sink.texts(); len(got) != 1 || got[0] != "ABC123" {
		t.Fatalf("Expected exactly [ABC123], got %v", got)
	}
	if c.State() != Stopped {
		t.Errorf("Expected Stopped, got %v", c.State())
	}
	if fb.count() != 1 {
		t.Errorf("Expected 1 feedback trigger, got %d", fb.count())
	}
	if delay := sink.times[0].Sub(fb.times[0]); delay < 90*time.Millisecond {
		t.Errorf("Expected delivery delayed ~100ms after feedback, got %v", delay)
	}

	st := c.Stats()
	if st.NotFound != 2 || st.FramesRequested != 3 || st.Delivered != 1 {
		t.Errorf("Unexpected stats %+v", st)
	}
	if calls := dec.calls(); len(calls) != 3 {
		t.Errorf("Expected 3 decodes, got %d", len(calls))
	}

	mu.Lock()
	want := []State{Decoding, Finalizing, Stopped}
	if len(transitions) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("Transition %d: expected %v, got %v", i, want[i], transitions[i])
		}
	}
	mu.Unlock()

	if err := c.Quit(); err != nil {
		t.Errorf("Quit after stop failed: %v", err)
	}
	if len(sink.texts()) != 1 {
		t.Error("Quit must not deliver again")
	}
}

func TestController_SingleShotNoFeedbackImmediate(t *testing.T) {
	src, _ := openSource(t, true)
	cfg := DefaultSessionConfig()
	cfg.PlayBeep, cfg.Vibrate = false, false
	sink := newRecordSink()

	c := NewController(Options{
		Source:      src,
		Decoder:     &scriptDecoder{script: []string{"NOW"}},
		Config:      cfg,
		Sink:        sink,
		ResultDelay: time.Hour,
		Logger:      log.Discard(),
	})
	c.Start()
	waitDone(t, c)

	if got := sink.texts(); len(got) != 1 || got[0] != "NOW" {
		t.Errorf("Expected [NOW], got %v", got)
	}
}

func TestController_SingleFlightAndOrdering(t *testing.T) {
	src, _ := openSource(t, true)
	script := make([]string, 30)
	script[29] = "LAST"
	dec := &scriptDecoder{script: script}
	cfg := DefaultSessionConfig()
	cfg.PlayBeep, cfg.Vibrate = false, false

	c := NewController(Options{Source: src, Decoder: dec, Config: cfg, Logger: log.Discard()})
	c.Start()
	waitDone(t, c)

	if m := dec.maxInflight.Load(); m != 1 {
		t.Errorf("Expected at most 1 decode in flight, got %d", m)
	}
	seqs := dec.calls()
	if len(seqs) != 30 {
		t.Fatalf("Expected 30 decodes, got %d", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("Decodes out of request order: %v", seqs)
		}
	}
}

func TestController_ContinuousLiveness(t *testing.T) {
	src, _ := openSource(t, true)
	cfg := DefaultSessionConfig()
	cfg.ContinuousScan = true
	sink := newRecordSink()

	c := NewController(Options{
		Source:  src,
		Decoder: &scriptDecoder{script: []string{"A", "", "B", "C"}},
		Config:  cfg,
		Sink:    sink,
		Logger:  log.Discard(),
	})
	c.Start()
	waitDeliveries(t, sink, 3)

	if s := c.State(); s == Stopped {
		t.Error("Continuous mode must not stop on its own")
	}
	if err := c.Quit(); err != nil {
		t.Fatalf("Quit failed: %v", err)
	}
	got := sink.texts()
	want := []string{"A", "B", "C"}
	if len(got) != 3 {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Delivery %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	time.Sleep(20 * time.Millisecond)
	if len(sink.texts()) != 3 {
		t.Error("No delivery expected after quit")
	}
	if c.State() != Stopped {
		t.Errorf("Expected Stopped after quit, got %v", c.State())
	}
}

func TestController_ContinuousWithoutAutoRestart(t *testing.T) {
	src, d := openSource(t, false)
	cfg := DefaultSessionConfig()
	cfg.ContinuousScan = true
	cfg.AutoRestartAfterResult = false
	sink := newRecordSink()

	c := NewController(Options{
		Source:  src,
		Decoder: &scriptDecoder{script: []string{"ONE", "TWO"}},
		Config:  cfg,
		Sink:    sink,
		Logger:  log.Discard(),
	})
	defer c.Quit()
	c.Start()

	dev := d.Device()
	if !dev.Deliver(camera.GrayFrame(64, 48, 0)) {
		t.Fatal("Expected a pending frame request after start")
	}
	waitDeliveries(t, sink, 1)

	if s := c.State(); s != Finalizing {
		t.Fatalf("Expected Finalizing while waiting for restart, got %v", s)
	}
	if dev.Pending() {
		t.Error("No frame should be requested without auto-restart")
	}

	c.Restart()
	deadline := time.Now().Add(time.Second)
	for !dev.Pending() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !dev.Deliver(camera.GrayFrame(64, 48, 0)) {
		t.Fatal("Expected a frame request after Restart")
	}
	waitDeliveries(t, sink, 2)
	if got := sink.texts(); got[1] != "TWO" {
		t.Errorf("Expected TWO, got %v", got)
	}
}

func TestController_QuitDuringDecodeWithFoundInFlight(t *testing.T) {
	src, _ := openSource(t, true)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	dec := decode.DecoderFunc(func(ctx context.Context, f camera.Frame, h decode.Hints) (decode.Result, error) {
		once.Do(func() { close(started) })
		<-release // does not yield to ctx
		return decode.Result{Symbol: decode.Symbol{Text: "LATE"}}, nil
	})
	sink := newRecordSink()
	fb := &recordFeedback{}

	c := NewController(Options{
		Source:          src,
		Decoder:         dec,
		Config:          DefaultSessionConfig(),
		Sink:            sink,
		Feedback:        fb,
		ShutdownTimeout: 50 * time.Millisecond,
		Logger:          log.Discard(),
	})
	c.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for decode to start")
	}
	if s := c.State(); s != Decoding {
		t.Fatalf("Expected Decoding, got %v", s)
	}

	start := time.Now()
	err := c.Quit()
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Expected ErrShutdownTimeout from bounded worker shutdown, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Quit exceeded its bound: %v", elapsed)
	}
	if c.State() != Stopped {
		t.Errorf("Expected Stopped, got %v", c.State())
	}

	close(release)
	time.Sleep(50 * time.Millisecond)
	if n := len(sink.texts()); n != 0 {
		t.Errorf("Expected zero deliveries, got %d", n)
	}
	if fb.count() != 0 {
		t.Error("Feedback must not fire after quit")
	}
	if err := c.Quit(); !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Second Quit should report the same result, got %v", err)
	}
}

func TestController_QueuedFoundDiscardedAfterStop(t *testing.T) {
	src, _ := openSource(t, false)
	sink := newRecordSink()
	c := NewController(Options{
		Source:  src,
		Decoder: &scriptDecoder{},
		Config:  DefaultSessionConfig(),
		Sink:    sink,
		Logger:  log.Discard(),
	})
	c.Start()

	// Queue a Found outcome for the frame in flight while the state lock
	// is held, then stop before the loop can act on it.
	c.mu.Lock()
	c.decodeSeq = c.expectSeq
	c.post(message{kind: msgOutcome, outcome: Outcome{Seq: c.expectSeq, Found: true,
		Result: decode.Result{Symbol: decode.Symbol{Text: "RACE"}}}})
	c.stopLocked()
	c.mu.Unlock()

	if err := c.teardown(); err != nil {
		t.Fatalf("teardown failed: %v", err)
	}
	if n := len(sink.texts()); n != 0 {
		t.Errorf("Expected zero deliveries, got %d", n)
	}
	if c.Stats().Discarded == 0 {
		t.Error("Expected the queued outcome to be counted as discarded")
	}
}

func TestController_QuitDuringResultDelay(t *testing.T) {
	src, _ := openSource(t, true)
	sink := newRecordSink()
	fb := &recordFeedback{}
	c := NewController(Options{
		Source:      src,
		Decoder:     &scriptDecoder{script: []string{"DELAYED"}},
		Config:      DefaultSessionConfig(),
		Sink:        sink,
		Feedback:    fb,
		ResultDelay: 200 * time.Millisecond,
		Logger:      log.Discard(),
	})
	c.Start()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != Finalizing && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.State() != Finalizing {
		t.Fatalf("Expected Finalizing, got %v", c.State())
	}
	c.Quit()

	time.Sleep(300 * time.Millisecond)
	if n := len(sink.texts()); n != 0 {
		t.Errorf("Expected no delivery after quit during delay, got %d", n)
	}
}

func TestController_QuitFromSink(t *testing.T) {
	src, _ := openSource(t, true)
	cfg := DefaultSessionConfig()
	cfg.ContinuousScan = true

	var c *Controller
	var delivered []string
	quitErr := make(chan error, 4)
	c = NewController(Options{
		Source:  src,
		Decoder: &scriptDecoder{script: []string{"FIRST", "SECOND", "THIRD"}},
		Config:  cfg,
		Sink: SinkFunc(func(r Result) {
			delivered = append(delivered, r.Symbol.Text)
			quitErr <- c.Quit()
		}),
		Logger: log.Discard(),
	})
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case err := <-quitErr:
		if err != nil {
			t.Errorf("Quit from sink failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Quit called from the sink never returned")
	}
	waitDone(t, c)

	if err := c.Quit(); err != nil {
		t.Errorf("Second Quit failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if len(delivered) != 1 || delivered[0] != "FIRST" {
		t.Errorf("Expected only FIRST to be delivered, got %v", delivered)
	}
	if s := c.State(); s != Stopped {
		t.Errorf("Expected Stopped, got %v", s)
	}
}

func TestController_QuitFromStateChange(t *testing.T) {
	src, _ := openSource(t, true)

	var c *Controller
	returned := make(chan struct{})
	c = NewController(Options{
		Source:  src,
		Decoder: &scriptDecoder{script: []string{"X"}},
		Config:  DefaultSessionConfig(),
		OnStateChange: func(from, to State) {
			if to == Finalizing {
				c.Quit()
				close(returned)
			}
		},
		Logger: log.Discard(),
	})
	c.Start()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Quit called from OnStateChange never returned")
	}
	waitDone(t, c)
	if n := c.Stats().Delivered; n != 0 {
		t.Errorf("Expected no delivery after quit in Finalizing, got %d", n)
	}
}

// flakySource fails the first n frame requests, or all of them when n < 0.
type flakySource struct {
	*camera.Source
	mu sync.Mutex
	n  int
}

func (s *flakySource) RequestOneFrame(deliver func(camera.Frame)) (uint64, error) {
	s.mu.Lock()
	if s.n != 0 {
		if s.n > 0 {
			s.n--
		}
		s.mu.Unlock()
		return 0, errors.New("frame grab failed")
	}
	s.mu.Unlock()
	return s.Source.RequestOneFrame(deliver)
}

func TestController_FrameRequestFailureStops(t *testing.T) {
	src, _ := openSource(t, true)
	c := NewController(Options{
		Source:  &flakySource{Source: src, n: -1},
		Decoder: &scriptDecoder{},
		Config:  DefaultSessionConfig(),
		Logger:  log.Discard(),
	})
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, c)

	if err := c.Err(); !errors.Is(err, ErrCaptureFailed) {
		t.Errorf("Expected ErrCaptureFailed, got %v", err)
	}
	if n := c.Stats().FramesRequested; n != 0 {
		t.Errorf("Expected no successful frame request, got %d", n)
	}
	if err := c.Quit(); err != nil {
		t.Errorf("Quit after failure: %v", err)
	}
}

func TestController_FrameRequestRetried(t *testing.T) {
	src, _ := openSource(t, true)
	sink := newRecordSink()
	c := NewController(Options{
		Source:  &flakySource{Source: src, n: 2},
		Decoder: &scriptDecoder{script: []string{"AFTER-RETRY"}},
		Config:  DefaultSessionConfig(),
		Sink:    sink,
		Logger:  log.Discard(),
	})
	c.Start()
	waitDone(t, c)

	if err := c.Err(); err != nil {
		t.Errorf("Expected a clean stop, got %v", err)
	}
	if got := sink.texts(); len(got) != 1 || got[0] != "AFTER-RETRY" {
		t.Errorf("Expected AFTER-RETRY, got %v", got)
	}
}

func TestController_StartErrors(t *testing.T) {
	d := camera.NewMockDriver(image.Pt(64, 48))
	src := camera.NewSource(d, camera.DefaultConfig(), log.Discard())

	c := NewController(Options{Source: src, Decoder: &scriptDecoder{}, Logger: log.Discard()})
	if err := c.Start(); !errors.Is(err, camera.ErrNotOpen) {
		t.Errorf("Expected ErrNotOpen, got %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Errorf("Quit without worker failed: %v", err)
	}
	if err := c.Start(); err == nil {
		t.Error("Start after quit should fail")
	}
}
