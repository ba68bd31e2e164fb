// Package sink provides scan.ResultSink adapters: fan-out to several sinks
// and an asynchronous queue in front of slow recorders such as a database
// or a remote document.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-scan/pkg/scan"
)

// Fanout delivers each result to every sink in order.
type Fanout []scan.ResultSink

// Deliver implements scan.ResultSink.
func (f Fanout) Deliver(r scan.Result) {
	for _, s := range f {
		if s != nil {
			s.Deliver(r)
		}
	}
}

// Recorder persists a result. It may block up to ctx's deadline.
type Recorder interface {
	Record(ctx context.Context, r scan.Result) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, r scan.Result) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, r scan.Result) error { return f(ctx, r) }

// Async queues results for a Recorder on a background goroutine so
// Deliver never blocks. Results arriving on a full queue are dropped and
// logged.
type Async struct {
	name     string
	recorder Recorder
	timeout  time.Duration
	logger   *slog.Logger

	queue chan scan.Result
	done  chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	recorded atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewAsync starts a queue of the given size in front of rec. Each Record
// call gets timeout.
func NewAsync(name string, rec Recorder, size int, timeout time.Duration, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 32
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Async{
		name:     name,
		recorder: rec,
		timeout:  timeout,
		logger:   logger.With("sink", name),
		queue:    make(chan scan.Result, size),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

// Deliver implements scan.ResultSink.
func (a *Async) Deliver(r scan.Result) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		a.logger.Warn("result after close dropped", "seq", r.Seq)
		return
	}
	select {
	case a.queue <- r:
	default:
		a.dropped.Add(1)
		a.logger.Warn("queue full, result dropped", "seq", r.Seq)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for r := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.recorder.Record(ctx, r)
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.logger.Warn("record failed", "seq", r.Seq, "error", err)
			continue
		}
		a.recorded.Add(1)
	}
}

// Close stops accepting results and waits for the queue to drain or ctx
// to end.
func (a *Async) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counts returns recorded, dropped and failed totals.
func (a *Async) Counts() (recorded, dropped, failed int64) {
	return a.recorded.Load(), a.dropped.Load(), a.failed.Load()
}
