package orchestrator

import (
	"testing"

	"github.com/Patronibo/Cpu-Guardian/internal/config"
)

func TestApplyProfileStandardMatchesDefaults(t *testing.T) {
	cfg := ApplyProfile(config.Default(), "standard")
	def := config.Default()
	if cfg.LearningDurationSec != def.LearningDurationSec ||
		cfg.ZThreshold != def.ZThreshold ||
		cfg.BurstWindow != def.BurstWindow ||
		cfg.RiskDecayFactor != def.RiskDecayFactor {
		t.Errorf("standard profile = %+v, want defaults %+v", cfg, def)
	}
}

func TestApplyProfileFastIsShorterThanStrict(t *testing.T) {
	fast := ApplyProfile(config.Default(), "fast")
	strict := ApplyProfile(config.Default(), "strict")

	if fast.LearningDurationSec >= strict.LearningDurationSec {
		t.Errorf("fast learning duration %d should be shorter than strict %d", fast.LearningDurationSec, strict.LearningDurationSec)
	}
	if fast.ZThreshold >= strict.ZThreshold {
		t.Errorf("fast z-threshold %v should be lower than strict %v", fast.ZThreshold, strict.ZThreshold)
	}
}

func TestApplyProfileUnknownIsNoop(t *testing.T) {
	base := config.Default()
	base.ZThreshold = 7.25 // a value no profile uses, so a no-op is detectable

	got := ApplyProfile(base, "does-not-exist")
	if got != base {
		t.Errorf("ApplyProfile with unknown name = %+v, want unchanged %+v", got, base)
	}
}

func TestProfileNames(t *testing.T) {
	names := ProfileNames()
	if len(names) != 3 {
		t.Fatalf("ProfileNames count = %d, want 3", len(names))
	}

	expected := map[string]bool{"fast": true, "standard": true, "strict": true}
	for _, name := range names {
		if !expected[name] {
			t.Errorf("unexpected profile name: %s", name)
		}
		if _, ok := profiles[name]; !ok {
			t.Errorf("ProfileNames lists %q but profiles has no entry for it", name)
		}
	}
}
