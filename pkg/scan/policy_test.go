package scan

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResultPolicy_Decide(t *testing.T) {
	cfg := DefaultSessionConfig()

	single := NewResultPolicy(cfg).Decide()
	if !single.Stop || single.Restart || single.Delay != DefaultResultDelay {
		t.Errorf("Single-shot with feedback: unexpected plan %+v", single)
	}

	cfg.PlayBeep, cfg.Vibrate = false, false
	quiet := NewResultPolicy(cfg).Decide()
	if !quiet.Stop || quiet.Delay != 0 {
		t.Errorf("Single-shot without feedback should deliver immediately, got %+v", quiet)
	}

	cfg = DefaultSessionConfig()
	cfg.ContinuousScan = true
	cont := NewResultPolicy(cfg).Decide()
	if cont.Stop || !cont.Restart || cont.Delay != 0 {
		t.Errorf("Continuous with auto-restart: unexpected plan %+v", cont)
	}

	cfg.AutoRestartAfterResult = false
	hold := NewResultPolicy(cfg).Decide()
	if hold.Stop || hold.Restart {
		t.Errorf("Continuous without auto-restart should neither stop nor restart, got %+v", hold)
	}
}

func TestSessionConfig_Defaults(t *testing.T) {
	cfg := DefaultSessionConfig()
	if !cfg.PlayBeep || !cfg.Vibrate || !cfg.Decode1DFormats || !cfg.FullScreenScanRegion ||
		cfg.ContinuousScan || !cfg.AutoRestartAfterResult {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
}

func TestParseSessionConfig_PartialKeepsDefaults(t *testing.T) {
	cfg, err := ParseSessionConfig([]byte(`{"continuous_scan": true, "play_beep": false}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !cfg.ContinuousScan || cfg.PlayBeep {
		t.Errorf("Explicit keys not applied: %+v", cfg)
	}
	if !cfg.Vibrate || !cfg.AutoRestartAfterResult {
		t.Errorf("Unset keys should keep defaults: %+v", cfg)
	}

	if _, err := ParseSessionConfig([]byte(`{`)); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestLoadSessionConfig_File(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadSessionConfig(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("Missing file should yield defaults, got %v", err)
	}
	if cfg != DefaultSessionConfig() {
		t.Errorf("Expected defaults, got %+v", cfg)
	}

	path := filepath.Join(dir, "session.json")
	want := DefaultSessionConfig()
	want.FullScreenScanRegion = false
	if err := SaveSessionConfig(path, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := LoadSessionConfig(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}

	os.WriteFile(path, []byte("not json"), 0644)
	if _, err := LoadSessionConfig(path); err == nil {
		t.Error("Expected parse error")
	}
}
