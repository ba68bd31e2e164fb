package feedback

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// Beeper plays the audible cue.
type Beeper interface {
	Beep(ctx context.Context) error
}

// Vibrator drives haptic feedback.
type Vibrator interface {
	Vibrate(ctx context.Context, d time.Duration) error
}

// RingerMode mirrors the host's sound profile.
type RingerMode int

const (
	RingerNormal RingerMode = iota
	RingerVibrate
	RingerSilent
)

func (m RingerMode) String() string {
	switch m {
	case RingerNormal:
		return "normal"
	case RingerVibrate:
		return "vibrate"
	case RingerSilent:
		return "silent"
	default:
		return "unknown"
	}
}

// ParseRingerMode maps "normal", "vibrate" and "silent"; anything else is
// normal.
func ParseRingerMode(s string) RingerMode {
	switch s {
	case "vibrate":
		return RingerVibrate
	case "silent":
		return RingerSilent
	default:
		return RingerNormal
	}
}

// Ringer reports the current ringer mode.
type Ringer interface {
	Mode() RingerMode
}

// FixedRinger is a Ringer with a constant mode.
type FixedRinger RingerMode

// Mode implements Ringer.
func (r FixedRinger) Mode() RingerMode { return RingerMode(r) }

// CommandBeeper pipes a generated WAV tone to a local player command
// (aplay by default).
type CommandBeeper struct {
	Command string
	Args    []string
	wav     []byte
}

// NewCommandBeeper creates a beeper playing the default tone through aplay.
func NewCommandBeeper() *CommandBeeper {
	return &CommandBeeper{
		Command: "aplay",
		Args:    []string{"-q", "-"},
		wav:     WAV(Tone(BeepFrequency, BeepDuration, BeepVolume, BeepSampleRate), BeepSampleRate),
	}
}

// Beep implements Beeper.
func (b *CommandBeeper) Beep(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, b.Command, b.Args...)
	cmd.Stdin = bytes.NewReader(b.wav)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w (%s)", b.Command, err, bytes.TrimSpace(out))
	}
	return nil
}

// LogVibrator logs instead of vibrating, for hosts without haptics.
type LogVibrator struct {
	Logger *slog.Logger
}

// Vibrate implements Vibrator.
func (v LogVibrator) Vibrate(ctx context.Context, d time.Duration) error {
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("vibrate", "duration", d)
	return nil
}
