package feedback

import (
	"sync"
	"time"
)

// DefaultIdleTimeout ends a session left without activity.
const DefaultIdleTimeout = 5 * time.Minute

// IdleTimer calls onIdle once after Timeout without Touch. It does nothing
// until started and is restartable.
type IdleTimer struct {
	Timeout time.Duration

	mu     sync.Mutex
	onIdle func()
	timer  *time.Timer
	gen    uint64
}

// NewIdleTimer creates a stopped idle timer.
func NewIdleTimer(timeout time.Duration, onIdle func()) *IdleTimer {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &IdleTimer{Timeout: timeout, onIdle: onIdle}
}

// Start arms the timer. Starting a running timer resets it.
func (t *IdleTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armLocked()
}

// Touch resets a running timer. No effect when stopped.
func (t *IdleTimer) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.armLocked()
	}
}

// Stop disarms the timer.
func (t *IdleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// Running reports whether the timer is armed.
func (t *IdleTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *IdleTimer) armLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.Timeout, func() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		fn := t.onIdle
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
