package feedback

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-scan/internal/log"
	"github.com/teslashibe/go-scan/pkg/scan"
)

type countBeeper struct {
	n   atomic.Int32
	err error
}

func (b *countBeeper) Beep(context.Context) error {
	b.n.Add(1)
	return b.err
}

type countVibrator struct {
	n    atomic.Int32
	last atomic.Int64
}

func (v *countVibrator) Vibrate(_ context.Context, d time.Duration) error {
	v.n.Add(1)
	v.last.Store(int64(d))
	return nil
}

func TestCoordinator_BeepAndVibrate(t *testing.T) {
	b, v := &countBeeper{}, &countVibrator{}
	c := NewCoordinator(b, v, FixedRinger(RingerNormal), nil, log.Discard())

	c.Found(scan.DefaultSessionConfig())
	c.Wait()

	if b.n.Load() != 1 || v.n.Load() != 1 {
		t.Errorf("Expected 1 beep and 1 vibration, got %d and %d", b.n.Load(), v.n.Load())
	}
	if time.Duration(v.last.Load()) != VibrateDuration {
		t.Errorf("Expected %v vibration, got %v", VibrateDuration, time.Duration(v.last.Load()))
	}
}

func TestCoordinator_SilentRingerSuppressesBeepOnly(t *testing.T) {
	b, v := &countBeeper{}, &countVibrator{}
	c := NewCoordinator(b, v, FixedRinger(RingerSilent), nil, log.Discard())

	c.Found(scan.DefaultSessionConfig())
	c.Wait()

	if b.n.Load() != 0 {
		t.Error("Beep should be suppressed in silent mode")
	}
	if v.n.Load() != 1 {
		t.Error("Vibration should still fire in silent mode")
	}
}

func TestCoordinator_DisabledCues(t *testing.T) {
	b, v := &countBeeper{}, &countVibrator{}
	c := NewCoordinator(b, v, nil, nil, log.Discard())

	cfg := scan.DefaultSessionConfig()
	cfg.PlayBeep, cfg.Vibrate = false, false
	c.Found(cfg)
	c.Wait()

	if b.n.Load() != 0 || v.n.Load() != 0 {
		t.Error("Disabled cues must not fire")
	}
}

func TestCoordinator_FailureIsBestEffort(t *testing.T) {
	b := &countBeeper{err: errors.New("no audio device")}
	c := NewCoordinator(b, nil, nil, nil, log.Discard())

	c.Found(scan.DefaultSessionConfig())
	c.Wait()

	beeps, _, failures := c.Counts()
	if beeps != 1 || failures != 1 {
		t.Errorf("Expected 1 beep and 1 failure, got %d and %d", beeps, failures)
	}
}

func TestCoordinator_TouchesIdleTimer(t *testing.T) {
	fired := make(chan struct{}, 1)
	idle := NewIdleTimer(80*time.Millisecond, func() { fired <- struct{}{} })
	idle.Start()
	defer idle.Stop()

	c := NewCoordinator(nil, nil, nil, idle, log.Discard())
	time.Sleep(50 * time.Millisecond)
	c.Found(scan.DefaultSessionConfig())

	select {
	case <-fired:
		t.Fatal("Idle timer should have been reset")
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("Idle timer never fired")
	}
}

func TestIdleTimer_StopPreventsFire(t *testing.T) {
	var fired atomic.Bool
	idle := NewIdleTimer(20*time.Millisecond, func() { fired.Store(true) })

	idle.Touch() // not running: no effect
	if idle.Running() {
		t.Fatal("Touch must not start the timer")
	}
	idle.Start()
	idle.Stop()
	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Error("Stopped timer must not fire")
	}
}

func TestTone_Shape(t *testing.T) {
	s := Tone(1000, 10*time.Millisecond, 0.5, 48000)
	if len(s) != 480 {
		t.Fatalf("Expected 480 samples, got %d", len(s))
	}
	if s[0] != 0 {
		t.Errorf("Expected fade-in from silence, got %d", s[0])
	}
	var peak int16
	for _, v := range s {
		if v > peak {
			peak = v
		}
	}
	if peak > 16384 || peak < 10000 {
		t.Errorf("Peak %d outside expected range for volume 0.5", peak)
	}
}

func TestWAV_Header(t *testing.T) {
	wav := WAV(make([]int16, 100), 48000)
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("Missing RIFF/WAVE header")
	}
	if len(wav) != 44+200 {
		t.Errorf("Expected 244 bytes, got %d", len(wav))
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 48000 {
		t.Errorf("Expected sample rate 48000, got %d", rate)
	}
}

func TestParseRingerMode(t *testing.T) {
	if ParseRingerMode("silent") != RingerSilent || ParseRingerMode("vibrate") != RingerVibrate ||
		ParseRingerMode("") != RingerNormal {
		t.Error("Unexpected ringer mode parsing")
	}
}
