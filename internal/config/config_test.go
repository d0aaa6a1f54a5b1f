package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cpuguardian.conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsThenFileOverride(t *testing.T) {
	path := writeConfig(t, "z_threshold=4.0\nburst_window=20\n")

	cfg, warnings, err := LoadFile(Default(), path)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}
	if cfg.ZThreshold != 4.0 {
		t.Errorf("ZThreshold = %v, want 4.0", cfg.ZThreshold)
	}
	if cfg.BurstWindow != 20 {
		t.Errorf("BurstWindow = %v, want 20", cfg.BurstWindow)
	}
	// Untouched fields retain their defaults.
	if cfg.SamplingIntervalUS != Default().SamplingIntervalUS {
		t.Errorf("SamplingIntervalUS changed unexpectedly")
	}
}

func TestUnknownKeyWarns(t *testing.T) {
	path := writeConfig(t, "not_a_real_key=1\n")

	_, warnings, err := LoadFile(Default(), path)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %+v", len(warnings), warnings)
	}
}

func TestMalformedLineWarns(t *testing.T) {
	path := writeConfig(t, "this line has no equals sign\n")

	_, warnings, err := LoadFile(Default(), path)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %+v", len(warnings), warnings)
	}
}

func TestCommentsAndBlankLinesIgnored(t *testing.T) {
	path := writeConfig(t, "# comment\n\nverbose=true\n")

	cfg, warnings, err := LoadFile(Default(), path)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}
	if !cfg.Verbose {
		t.Errorf("Verbose = false, want true")
	}
}

func TestDefaultsRoundTripThroughFile(t *testing.T) {
	d := Default()
	contents := "sampling_interval_us=" + strconv.FormatUint(d.SamplingIntervalUS, 10) + "\n" +
		"learning_duration_sec=" + strconv.FormatUint(d.LearningDurationSec, 10) + "\n" +
		"z_threshold=" + strconv.FormatFloat(d.ZThreshold, 'g', -1, 64) + "\n" +
		"burst_window=" + strconv.FormatUint(d.BurstWindow, 10) + "\n" +
		"ringbuffer_capacity=" + strconv.FormatUint(d.RingBufferCapacity, 10) + "\n" +
		"target_cpu=" + strconv.Itoa(d.TargetCPU) + "\n" +
		"target_pid=" + strconv.Itoa(d.TargetPID) + "\n" +
		"log_file=" + d.LogFile + "\n" +
		"log_to_syslog=" + strconv.FormatBool(d.LogToSyslog) + "\n" +
		"verbose=" + strconv.FormatBool(d.Verbose) + "\n" +
		"risk_decay_factor=" + strconv.FormatFloat(d.RiskDecayFactor, 'g', -1, 64) + "\n" +
		"correlation_window_sec=" + strconv.FormatUint(d.CorrelationWindowSec, 10) + "\n" +
		"alert_cooldown_sec=" + strconv.FormatUint(d.AlertCooldownSec, 10) + "\n" +
		"socket_path=" + d.SocketPath + "\n" +
		"enable_ml_output=" + strconv.FormatBool(d.EnableMLOutput) + "\n"
	path := writeConfig(t, contents)

	// Parse onto a zero Config so every field must come back from the file.
	cfg, _, err := LoadFile(Config{}, path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg != d {
		t.Fatalf("round-tripped config diverged from defaults: %+v != %+v", cfg, d)
	}
}
