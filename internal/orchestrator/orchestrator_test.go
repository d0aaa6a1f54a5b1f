package orchestrator

import (
	"testing"

	"github.com/Patronibo/Cpu-Guardian/internal/config"
	"github.com/Patronibo/Cpu-Guardian/internal/ring"
	"github.com/Patronibo/Cpu-Guardian/internal/telemetry"
)

func TestPhaseString(t *testing.T) {
	cases := map[Phase]string{
		PhaseInit:         "INIT",
		PhaseLearning:     "LEARNING",
		PhaseDetecting:    "DETECTING",
		PhaseShuttingDown: "SHUTTING_DOWN",
		PhaseDone:         "DONE",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", p, got, want)
		}
	}
}

func TestNewStartsInInitWithoutBaseline(t *testing.T) {
	o := New(config.Default())
	if o.Phase() != PhaseInit {
		t.Errorf("Phase() = %v, want PhaseInit", o.Phase())
	}
	if o.eng.Baseline().Ready {
		t.Errorf("a freshly constructed orchestrator should not have a ready baseline")
	}
}

func TestRunLearningCancellationShortCircuits(t *testing.T) {
	cfg := config.Default()
	cfg.LearningDurationSec = 60
	o := New(cfg)
	o.buf = ring.New(16)
	o.cancel.Store(true)

	if cancelled := o.runLearning(); !cancelled {
		t.Fatal("runLearning() should report cancellation when the token is set")
	}
	if o.eng.Baseline().Ready {
		t.Error("cancellation during learning must not produce a ready baseline")
	}
	if o.Phase() != PhaseLearning {
		t.Errorf("Phase() = %v, want PhaseLearning (detection never entered)", o.Phase())
	}
}

func TestRunLearningDeadlineConsumesQueuedSamples(t *testing.T) {
	cfg := config.Default()
	cfg.LearningDurationSec = 1
	o := New(cfg)
	o.buf = ring.New(16)

	for i := 0; i < 3; i++ {
		o.buf.Push(telemetry.Sample{TimestampNS: int64(i), CacheMissRate: 0.01, IPC: 1.5})
	}

	if cancelled := o.runLearning(); cancelled {
		t.Fatal("runLearning() reported cancellation, want deadline expiry")
	}
	if o.samplesLearned != 3 {
		t.Errorf("samplesLearned = %d, want 3", o.samplesLearned)
	}
	if err := o.eng.Finalize(); err != nil {
		t.Errorf("Finalize() after a fed learning phase = %v", err)
	}
}

func TestSnapshotReflectsPublishedPhase(t *testing.T) {
	o := New(config.Default())
	o.setPhase(PhaseLearning)

	snap := o.Snapshot()
	if snap.Phase != PhaseLearning {
		t.Errorf("Snapshot().Phase = %v, want PhaseLearning", snap.Phase)
	}
	if snap.HasTopRisk {
		t.Errorf("HasTopRisk = true on an orchestrator with no correlation updates")
	}
}
