// Package feedback plays the audible and haptic cues for a found symbol
// and runs the idle timer that ends abandoned sessions.
package feedback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-scan/pkg/scan"
)

// VibrateDuration is the haptic pulse length.
const VibrateDuration = 200 * time.Millisecond

// cueTimeout bounds a single beep or vibration.
const cueTimeout = 2 * time.Second

// Coordinator implements scan.Feedback. Cues run in the background and
// failures are logged, never returned.
type Coordinator struct {
	Beeper   Beeper
	Vibrator Vibrator
	Ringer   Ringer
	Idle     *IdleTimer

	logger *slog.Logger
	wg     sync.WaitGroup

	beeps      atomic.Int64
	vibrations atomic.Int64
	failures   atomic.Int64
}

// NewCoordinator creates a coordinator. Nil devices disable that cue; a
// nil ringer counts as normal mode.
func NewCoordinator(b Beeper, v Vibrator, r Ringer, idle *IdleTimer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{Beeper: b, Vibrator: v, Ringer: r, Idle: idle, logger: logger}
}

// Found implements scan.Feedback.
func (c *Coordinator) Found(cfg scan.SessionConfig) {
	if c.Idle != nil {
		c.Idle.Touch()
	}

	mode := RingerNormal
	if c.Ringer != nil {
		mode = c.Ringer.Mode()
	}

	if cfg.PlayBeep && c.Beeper != nil {
		if mode == RingerNormal {
			c.run("beep", &c.beeps, func(ctx context.Context) error { return c.Beeper.Beep(ctx) })
		} else {
			c.logger.Debug("beep suppressed by ringer mode", "mode", mode)
		}
	}
	if cfg.Vibrate && c.Vibrator != nil {
		c.run("vibrate", &c.vibrations, func(ctx context.Context) error {
			return c.Vibrator.Vibrate(ctx, VibrateDuration)
		})
	}
}

func (c *Coordinator) run(cue string, counter *atomic.Int64, fn func(ctx context.Context) error) {
	counter.Add(1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cueTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.failures.Add(1)
			c.logger.Warn("feedback failed", "cue", cue, "error", err)
		}
	}()
}

// Wait blocks until all started cues finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Counts returns how many beeps and vibrations were started and how many
// cues failed.
func (c *Coordinator) Counts() (beeps, vibrations, failures int64) {
	return c.beeps.Load(), c.vibrations.Load(), c.failures.Load()
}
