package pmu

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadingScaled(t *testing.T) {
	cases := []struct {
		name       string
		value      uint64
		enabled    uint64
		running    uint64
		wantApprox float64
		tolerance  float64
	}{
		{"not multiplexed", 1000, 100, 100, 1000, 0},
		{"never ran", 1000, 100, 0, 0, 0},
		{"half scheduled", 1000, 100, 50, 2000, 0.001},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := Reading{TimeEnabled: c.enabled, TimeRunning: c.running}
			r.Values[SlotCycles] = c.value
			got := r.Scaled(SlotCycles)
			if diff := got - c.wantApprox; diff > c.tolerance || diff < -c.tolerance {
				t.Errorf("Scaled() = %v, want ~%v", got, c.wantApprox)
			}
		})
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPreflightParanoidWarning(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sys/kernel/perf_event_paranoid"), "3\n")
	writeFile(t, filepath.Join(root, "cpuinfo"), "flags\t\t: fpu vme de pse\n")

	warnings := Preflight(root)
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %+v", len(warnings), warnings)
	}
	if warnings[0].Info {
		t.Errorf("paranoid warning should not be Info")
	}
}

func TestPreflightHypervisorInfo(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sys/kernel/perf_event_paranoid"), "1\n")
	writeFile(t, filepath.Join(root, "cpuinfo"), "flags\t\t: fpu vme de pse hypervisor\n")

	warnings := Preflight(root)
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %+v", len(warnings), warnings)
	}
	if !warnings[0].Info {
		t.Errorf("hypervisor warning should be Info")
	}
}

func TestPreflightClean(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sys/kernel/perf_event_paranoid"), "1\n")
	writeFile(t, filepath.Join(root, "cpuinfo"), "flags\t\t: fpu vme de pse\n")

	if warnings := Preflight(root); len(warnings) != 0 {
		t.Errorf("got %d warnings, want 0: %+v", len(warnings), warnings)
	}
}
