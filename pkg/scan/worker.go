package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-scan/pkg/camera"
	"github.com/teslashibe/go-scan/pkg/decode"
)

// Worker errors.
var (
	ErrWorkerBusy      = errors.New("scan: worker busy")
	ErrWorkerStopped   = errors.New("scan: worker stopped")
	ErrShutdownTimeout = errors.New("scan: worker shutdown timed out")
)

type request struct {
	frame camera.Frame
	hints decode.Hints
}

// Worker decodes one frame at a time on its own goroutine and reports
// exactly one Outcome per accepted frame, unless shut down first.
type Worker struct {
	decoder decode.Decoder
	report  func(Outcome)
	logger  *slog.Logger

	reqs   chan request
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	busy    atomic.Bool
}

// NewWorker starts a worker. report is called from the worker goroutine.
func NewWorker(d decode.Decoder, report func(Outcome), logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		decoder: d,
		report:  report,
		logger:  logger,
		reqs:    make(chan request, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Submit hands a frame to the worker. It fails with ErrWorkerBusy while a
// previous frame is still being decoded.
func (w *Worker) Submit(frame camera.Frame, hints decode.Hints) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWorkerStopped
	}
	if !w.busy.CompareAndSwap(false, true) {
		return ErrWorkerBusy
	}
	w.reqs <- request{frame: frame, hints: hints}
	return nil
}

// Shutdown stops accepting frames, cancels any decode in progress and waits
// up to timeout for the worker goroutine to exit. On timeout the goroutine
// is left to finish on its own and its result is dropped.
func (w *Worker) Shutdown(timeout time.Duration) error {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		w.cancel()
	}
	w.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.done:
		return nil
	case <-t.C:
		return fmt.Errorf("%w after %v", ErrShutdownTimeout, timeout)
	}
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case r := <-w.reqs:
			w.process(r)
		}
	}
}

func (w *Worker) process(r request) {
	res, err := w.decode(r)

	if w.ctx.Err() != nil {
		w.logger.Debug("decode abandoned after shutdown", "seq", r.frame.Seq)
		return
	}

	out := Outcome{Seq: r.frame.Seq}
	switch {
	case err == nil:
		out.Found = true
		out.Result = res
	case errors.Is(err, decode.ErrNotFound):
	default:
		w.logger.Warn("decode error", "seq", r.frame.Seq, "error", err)
	}

	w.busy.Store(false)
	w.report(out)
}

func (w *Worker) decode(r request) (res decode.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("decoder panic", "seq", r.frame.Seq, "panic", p)
			err = fmt.Errorf("decoder panic: %v", p)
		}
	}()
	return w.decoder.Decode(w.ctx, r.frame, r.hints)
}
