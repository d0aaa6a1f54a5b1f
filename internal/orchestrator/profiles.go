package orchestrator

import "github.com/Patronibo/Cpu-Guardian/internal/config"

// Profile is a named bundle of detection-sensitivity tunables layered onto
// the loaded configuration (defaults plus config file) before command-line
// flag overrides, so a caller can ask for
// "more sensitive" or "fewer false positives" without hand-tuning every
// knob individually.
type Profile struct {
	LearningDurationSec uint64
	ZThreshold          float64
	BurstWindow         uint64
	RiskDecayFactor     float64
}

var profiles = map[string]Profile{
	// fast favors quick startup over a well-conditioned baseline: short
	// learning window, slightly looser threshold to compensate for the
	// noisier baseline a short window produces.
	"fast": {
		LearningDurationSec: 15,
		ZThreshold:          3.0,
		BurstWindow:         6,
		RiskDecayFactor:     0.90,
	},
	// standard matches config.Default()'s values; kept explicit so the set
	// of profile names is self-describing.
	"standard": {
		LearningDurationSec: 60,
		ZThreshold:          3.5,
		BurstWindow:         10,
		RiskDecayFactor:     0.95,
	},
	// strict trades startup time and some sensitivity to short spikes for a
	// longer, more stable baseline and a higher bar before flagging.
	"strict": {
		LearningDurationSec: 300,
		ZThreshold:          4.5,
		BurstWindow:         20,
		RiskDecayFactor:     0.98,
	},
}

// ProfileNames returns the known profile names.
func ProfileNames() []string {
	return []string{"fast", "standard", "strict"}
}

// ApplyProfile layers the named profile's tunables onto cfg. An unknown
// name is a no-op; cfg is returned unchanged.
func ApplyProfile(cfg config.Config, name string) config.Config {
	p, ok := profiles[name]
	if !ok {
		return cfg
	}
	cfg.LearningDurationSec = p.LearningDurationSec
	cfg.ZThreshold = p.ZThreshold
	cfg.BurstWindow = p.BurstWindow
	cfg.RiskDecayFactor = p.RiskDecayFactor
	return cfg
}
