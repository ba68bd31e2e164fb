package scan

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-scan/pkg/camera"
	"github.com/teslashibe/go-scan/pkg/decode"
)

// DefaultShutdownTimeout bounds the worker wait in Quit.
const DefaultShutdownTimeout = 500 * time.Millisecond

const (
	frameRetryDelay = 20 * time.Millisecond
	maxFrameRetries = 5
)

// ErrCaptureFailed is reported by Err when a session stopped because the
// source or the worker could not take another frame.
var ErrCaptureFailed = errors.New("scan: capture failed")

// FrameSource is the camera surface the controller drives.
// *camera.Source implements it.
type FrameSource interface {
	StartStreaming() error
	StopStreaming() error
	RequestOneFrame(deliver func(camera.Frame)) (uint64, error)
	FramingRegion() (camera.FramingRegion, bool)
	Orientation() camera.Orientation
}

// Options configure a Controller.
type Options struct {
	Source  FrameSource
	Decoder decode.Decoder
	Config  SessionConfig

	// Sink receives delivered symbols. Optional.
	Sink ResultSink
	// Feedback is notified on every found symbol. Optional.
	Feedback Feedback

	SessionID       string
	ShutdownTimeout time.Duration // default 500ms
	ResultDelay     time.Duration // single-shot delay, default 100ms
	Logger          *slog.Logger

	// Sink, Feedback and the callbacks below run without the controller
	// lock held and may call Quit.

	// OnStateChange is called on every transition, from the controller
	// goroutine or from the goroutine that caused it.
	OnStateChange func(from, to State)
	// OnDecoded receives each found result with its preview image, before
	// the result policy runs.
	OnDecoded func(decode.Result)
}

type msgKind int

const (
	msgFrame msgKind = iota
	msgOutcome
	msgDeliver
	msgRestart
	msgRetry
)

func (k msgKind) String() string {
	switch k {
	case msgFrame:
		return "frame"
	case msgOutcome:
		return "outcome"
	case msgDeliver:
		return "deliver"
	case msgRestart:
		return "restart"
	case msgRetry:
		return "retry"
	default:
		return "unknown"
	}
}

type message struct {
	kind    msgKind
	frame   camera.Frame
	outcome Outcome
	result  Result
	plan    Plan
}

// Controller is the capture state machine. Frames, outcomes and delayed
// deliveries are posted to a queue and handled one at a time on the
// controller goroutine.
type Controller struct {
	opts   Options
	policy ResultPolicy
	logger *slog.Logger

	msgs     chan message
	stopLoop chan struct{}
	loopDone chan struct{}
	done     chan struct{}

	// handling is set while the loop goroutine is inside handle, so a
	// Quit from a callback does not wait for its own loop to exit.
	handling atomic.Bool

	// mu guards everything below. Quit takes it to set Stopped, so once
	// Stopped is visible no queued message is acted on.
	mu        sync.Mutex
	state     State
	started   bool
	worker    *Worker
	expectSeq uint64 // frame requested from the source
	decodeSeq uint64 // frame out at the worker
	timer     *time.Timer
	retry     *time.Timer
	failures  int
	err       error
	stats     Stats
	calls     []func() // run by unlock

	doneOnce     sync.Once
	teardownOnce sync.Once
	teardownErr  error
}

// NewController creates a controller in state Streaming and starts its
// message loop. The worker is created by Start.
func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	policy := NewResultPolicy(opts.Config)
	if opts.ResultDelay > 0 {
		policy.Delay = opts.ResultDelay
	}

	c := &Controller{
		opts:     opts,
		policy:   policy,
		logger:   opts.Logger.With("session", opts.SessionID),
		msgs:     make(chan message, 16),
		stopLoop: make(chan struct{}),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
		state:    Streaming,
	}
	go c.loop()
	return c
}

// Start begins streaming and requests the first frame.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.unlock()

	if c.state == Stopped {
		return errors.New("scan: controller stopped")
	}
	if c.started {
		return nil
	}
	if err := c.opts.Source.StartStreaming(); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}
	c.started = true
	c.worker = NewWorker(c.opts.Decoder, c.onOutcome, c.logger)
	c.logger.Info("capture session started",
		"continuous", c.opts.Config.ContinuousScan,
		"auto_restart", c.opts.Config.AutoRestartAfterResult,
	)
	c.requestFrameLocked()
	return nil
}

// Restart re-arms capture after a continuous-mode result when auto-restart
// is off. It has no effect in other states.
func (c *Controller) Restart() {
	c.post(message{kind: msgRestart})
}

// Quit stops the session: it sets Stopped, stops streaming, shuts the
// worker down within the configured bound, and discards queued messages.
// Idempotent. A worker that outlives the bound is abandoned and
// ErrShutdownTimeout is returned. Quit may be called from the sink or any
// callback; no callback starts after it returns.
func (c *Controller) Quit() error {
	c.mu.Lock()
	c.stopLocked()
	c.unlock()
	return c.teardown()
}

// Err returns the reason the session stopped on its own after a capture
// failure, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the controller reaches Stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Stats returns the session counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Config returns the session config.
func (c *Controller) Config() SessionConfig {
	return c.opts.Config
}

// SessionID returns the session identifier.
func (c *Controller) SessionID() string {
	return c.opts.SessionID
}

func (c *Controller) post(m message) {
	select {
	case <-c.stopLoop:
		c.logger.Debug("message after stop discarded", "kind", m.kind)
		return
	default:
	}
	select {
	case c.msgs <- m:
	case <-c.stopLoop:
		c.logger.Debug("message after stop discarded", "kind", m.kind)
	}
}

func (c *Controller) onFrame(f camera.Frame) {
	c.post(message{kind: msgFrame, frame: f})
}

func (c *Controller) onOutcome(o Outcome) {
	c.post(message{kind: msgOutcome, outcome: o})
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.stopLoop:
			c.drain()
			return
		case m := <-c.msgs:
			c.handle(m)
		}
	}
}

func (c *Controller) handle(m message) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("panic handling message", "kind", m.kind, "panic", p)
		}
	}()

	c.mu.Lock()
	c.handling.Store(true)
	defer c.handling.Store(false)
	defer c.unlock()

	if c.state == Stopped {
		c.stats.Discarded++
		c.logger.Debug("message discarded after stop", "kind", m.kind)
		return
	}

	switch m.kind {
	case msgFrame:
		c.handleFrameLocked(m.frame)
	case msgOutcome:
		c.handleOutcomeLocked(m.outcome)
	case msgDeliver:
		if c.state != Finalizing {
			c.stats.Discarded++
			return
		}
		c.timer = nil
		c.finishLocked(m.result, m.plan)
	case msgRestart:
		if c.state == Finalizing && c.timer == nil && c.retry == nil {
			c.requestFrameLocked()
		}
	case msgRetry:
		if c.retry == nil {
			return
		}
		c.retry = nil
		c.requestFrameLocked()
	}
}

// unlock releases mu and then runs the callbacks queued while it was held.
func (c *Controller) unlock() {
	calls := c.calls
	c.calls = nil
	c.mu.Unlock()
	for _, fn := range calls {
		c.invoke(fn)
	}
}

func (c *Controller) invoke(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("panic in callback", "panic", p)
		}
	}()
	fn()
}

func (c *Controller) handleFrameLocked(f camera.Frame) {
	if c.state != Decoding || f.Seq != c.expectSeq || c.decodeSeq != 0 {
		c.stats.Discarded++
		c.logger.Debug("stale frame discarded", "seq", f.Seq, "state", c.state)
		return
	}
	if err := c.worker.Submit(f, c.hintsLocked()); err != nil {
		c.failLocked(fmt.Errorf("%w: submit frame %d: %v", ErrCaptureFailed, f.Seq, err))
		return
	}
	c.decodeSeq = f.Seq
}

func (c *Controller) handleOutcomeLocked(o Outcome) {
	if c.state != Decoding || o.Seq != c.decodeSeq {
		c.stats.Discarded++
		c.logger.Debug("stale outcome discarded", "seq", o.Seq, "state", c.state)
		return
	}
	c.decodeSeq = 0
	c.stats.FramesDecoded++

	if !o.Found {
		c.stats.NotFound++
		c.requestFrameLocked()
		return
	}

	c.stats.Found++
	c.setStateLocked(Finalizing)
	c.logger.Info("symbol found", "seq", o.Seq, "format", o.Result.Format)

	if fb := c.opts.Feedback; fb != nil {
		cfg := c.opts.Config
		c.calls = append(c.calls, func() { fb.Found(cfg) })
	}
	if fn := c.opts.OnDecoded; fn != nil {
		dr := o.Result
		c.calls = append(c.calls, func() { fn(dr) })
	}

	res := Result{
		SessionID: c.opts.SessionID,
		Symbol:    o.Result.Symbol,
		Seq:       o.Seq,
		At:        time.Now(),
	}
	plan := c.policy.Decide()
	if plan.Delay > 0 {
		c.timer = time.AfterFunc(plan.Delay, func() {
			c.post(message{kind: msgDeliver, result: res, plan: plan})
		})
		return
	}
	c.finishLocked(res, plan)
}

func (c *Controller) finishLocked(res Result, plan Plan) {
	c.calls = append(c.calls, func() { c.deliver(res, plan) })
}

// deliver hands res to the sink and then applies plan. It runs on the loop
// goroutine without mu; a Quit in between wins.
func (c *Controller) deliver(res Result, plan Plan) {
	c.mu.Lock()
	if c.state != Finalizing {
		c.stats.Discarded++
		c.unlock()
		return
	}
	c.stats.Delivered++
	c.mu.Unlock()

	if c.opts.Sink != nil {
		c.opts.Sink.Deliver(res)
	}

	c.mu.Lock()
	defer c.unlock()
	if c.state != Finalizing {
		return
	}
	switch {
	case plan.Stop:
		c.stopLocked()
		go c.teardown()
	case plan.Restart:
		c.requestFrameLocked()
	default:
		c.logger.Debug("result delivered, waiting for restart")
	}
}

// requestFrameLocked asks the source for the next frame. A failed request
// is retried a few times before the session stops with ErrCaptureFailed.
func (c *Controller) requestFrameLocked() {
	seq, err := c.opts.Source.RequestOneFrame(c.onFrame)
	if err != nil {
		c.failures++
		if c.failures > maxFrameRetries {
			c.failLocked(fmt.Errorf("%w: frame request: %v", ErrCaptureFailed, err))
			return
		}
		c.logger.Warn("frame request failed, retrying", "attempt", c.failures, "error", err)
		c.retry = time.AfterFunc(frameRetryDelay, func() {
			c.post(message{kind: msgRetry})
		})
		return
	}
	c.failures = 0
	c.expectSeq = seq
	c.stats.FramesRequested++
	c.setStateLocked(Decoding)
}

func (c *Controller) hintsLocked() decode.Hints {
	h := decode.Hints{
		OneD:         c.opts.Config.Decode1DFormats,
		Rotate:       c.opts.Source.Orientation() == camera.Portrait,
		CharacterSet: decode.DefaultCharacterSet,
		Preview:      true,
	}
	if !c.opts.Config.FullScreenScanRegion {
		if r, ok := c.opts.Source.FramingRegion(); ok {
			h.Region = r.Preview
		}
	}
	return h
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.logger.Debug("state change", "from", from, "to", s)
	if fn := c.opts.OnStateChange; fn != nil {
		c.calls = append(c.calls, func() { fn(from, s) })
	}
	if s == Stopped {
		c.doneOnce.Do(func() { close(c.done) })
	}
}

func (c *Controller) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.setStateLocked(Stopped)
}

// failLocked stops the session on its own and records why.
func (c *Controller) failLocked(err error) {
	if c.err == nil {
		c.err = err
	}
	c.logger.Error("capture failed, stopping session", "error", err)
	c.stopLocked()
	go c.teardown()
}

// teardown runs once: stop streaming, shut down the worker, stop the loop
// and wait for it to drain whatever is still queued. Called from the loop
// goroutine itself, it does not wait.
func (c *Controller) teardown() error {
	c.teardownOnce.Do(func() {
		if err := c.opts.Source.StopStreaming(); err != nil {
			c.logger.Warn("stop streaming failed", "error", err)
		}

		c.mu.Lock()
		w := c.worker
		c.mu.Unlock()
		if w != nil {
			if err := w.Shutdown(c.opts.ShutdownTimeout); err != nil {
				c.logger.Warn("decode worker did not stop in time", "error", err)
				c.teardownErr = err
			}
		}

		close(c.stopLoop)
		if !c.handling.Load() {
			<-c.loopDone
		}
		c.logger.Info("capture session stopped")
	})
	return c.teardownErr
}

func (c *Controller) drain() {
	for {
		select {
		case m := <-c.msgs:
			c.mu.Lock()
			c.stats.Discarded++
			c.mu.Unlock()
			c.logger.Debug("queued message discarded", "kind", m.kind)
		default:
			return
		}
	}
}
