package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/Patronibo/Cpu-Guardian/internal/config"
)

// testRunCommand registers the run command's override flags against a fresh
// overrideValues, simulating what main() wires up without executing RunE.
func testRunCommand() (*cobra.Command, *overrideValues) {
	v := &overrideValues{}
	cmd := &cobra.Command{Use: "run"}
	cmd.Flags().Uint64Var(&v.samplingIntervalUS, "sampling-interval-us", 0, "")
	cmd.Flags().Uint64Var(&v.learningDurationS, "learning-duration-sec", 0, "")
	cmd.Flags().Float64Var(&v.zThreshold, "z-threshold", 0, "")
	cmd.Flags().Uint64Var(&v.burstWindow, "burst-window", 0, "")
	cmd.Flags().Uint64Var(&v.ringCapacity, "ringbuffer-capacity", 0, "")
	cmd.Flags().IntVar(&v.targetCPU, "target-cpu", -2, "")
	cmd.Flags().IntVar(&v.targetPID, "target-pid", -2, "")
	cmd.Flags().StringVar(&v.logFile, "log-file", "", "")
	cmd.Flags().BoolVar(&v.logToSyslog, "log-to-syslog", false, "")
	cmd.Flags().BoolVar(&v.verbose, "verbose", false, "")
	cmd.Flags().StringVar(&v.socketPath, "socket-path", "", "")
	cmd.Flags().BoolVar(&v.enableMLOutput, "enable-ml-output", false, "")
	return cmd, v
}

func TestApplyOverridesOnlyChangedFlags(t *testing.T) {
	cmd, v := testRunCommand()
	if err := cmd.Flags().Set("z-threshold", "4.25"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("target-pid", "1234"); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	applyOverrides(cmd, &cfg, *v)

	if cfg.ZThreshold != 4.25 {
		t.Errorf("ZThreshold = %v, want 4.25", cfg.ZThreshold)
	}
	if cfg.TargetPID != 1234 {
		t.Errorf("TargetPID = %d, want 1234", cfg.TargetPID)
	}
	// Flags left unset must not clobber defaults with their zero values.
	def := config.Default()
	if cfg.SamplingIntervalUS != def.SamplingIntervalUS {
		t.Errorf("SamplingIntervalUS = %d, want default %d", cfg.SamplingIntervalUS, def.SamplingIntervalUS)
	}
	if cfg.TargetCPU != def.TargetCPU {
		t.Errorf("TargetCPU = %d, want default %d", cfg.TargetCPU, def.TargetCPU)
	}
}

func TestApplyOverridesNoFlagsIsNoop(t *testing.T) {
	cmd, v := testRunCommand()

	cfg := config.Default()
	applyOverrides(cmd, &cfg, *v)

	if cfg != config.Default() {
		t.Errorf("config changed with no flags set: %+v", cfg)
	}
}

func TestDefaultsFileThenFlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpuguardian.conf")
	if err := os.WriteFile(path, []byte("z_threshold=4.0\nburst_window=20\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, warnings, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}

	cmd, v := testRunCommand()
	if err := cmd.Flags().Set("z-threshold", "5.0"); err != nil {
		t.Fatal(err)
	}
	applyOverrides(cmd, &cfg, *v)

	if cfg.ZThreshold != 5.0 {
		t.Errorf("ZThreshold = %v, want 5.0 (flag beats file)", cfg.ZThreshold)
	}
	if cfg.BurstWindow != 20 {
		t.Errorf("BurstWindow = %d, want 20 (file beats default)", cfg.BurstWindow)
	}
	if cfg.LearningDurationSec != config.Default().LearningDurationSec {
		t.Errorf("LearningDurationSec = %d, want default (untouched by file and flags)", cfg.LearningDurationSec)
	}
}

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, warnings, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}
	if cfg != config.Default() {
		t.Errorf("loadConfig(\"\") = %+v, want defaults", cfg)
	}
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	if _, _, err := loadConfig(filepath.Join(t.TempDir(), "absent.conf")); err == nil {
		t.Fatal("loadConfig() on a missing file should fail")
	}
}
