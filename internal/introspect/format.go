package introspect

import (
	"fmt"

	"github.com/Patronibo/Cpu-Guardian/internal/anomaly"
	"github.com/Patronibo/Cpu-Guardian/internal/orchestrator"
)

func formatBaseline(b anomaly.Baseline) string {
	return fmt.Sprintf(
		"samples=%d cache_miss_rate(mean=%.6f std=%.6f) branch_miss_rate(mean=%.6f std=%.6f) ipc(mean=%.6f std=%.6f)",
		b.Samples, b.MeanCMR, b.StdCMR, b.MeanBMR, b.StdBMR, b.MeanIPC, b.StdIPC,
	)
}

func formatTopRisk(snap orchestrator.Snapshot) string {
	e := snap.TopRisk
	return fmt.Sprintf(
		"pid=%d comm=%q score=%.4f total_samples=%d suspicious_samples=%d",
		e.PID, e.Name, e.Score, e.TotalSamples, e.SuspiciousSamples,
	)
}

func formatStatus(snap orchestrator.Snapshot) string {
	return fmt.Sprintf(
		"phase=%s baseline_ready=%t samples_learned=%d samples_detected=%d anomalies_seen=%d",
		snap.Phase, snap.Baseline.Ready, snap.SamplesLearned, snap.SamplesDetected, snap.AnomaliesSeen,
	)
}
