// Package anomaly implements the two-phase (learning, then detection)
// online statistics engine that turns telemetry samples into z-scored
// anomaly results.
package anomaly

import (
	"fmt"
	"math"

	"github.com/Patronibo/Cpu-Guardian/internal/telemetry"
)

// Flag is a bitmask of anomaly conditions observed on one detection sample.
type Flag uint32

const (
	FlagCacheMissSpike Flag = 1 << iota
	FlagBranchMissSpike
	FlagIPCCollapse
	FlagBurstPattern
	FlagOscillation
)

// String renders the set flags as space-separated names, matching the
// alert "reason" field.
func (f Flag) String() string {
	names := []struct {
		bit  Flag
		name string
	}{
		{FlagCacheMissSpike, "CACHE_MISS_SPIKE"},
		{FlagBranchMissSpike, "BRANCH_MISS_SPIKE"},
		{FlagIPCCollapse, "IPC_COLLAPSE"},
		{FlagBurstPattern, "BURST_PATTERN"},
		{FlagOscillation, "OSCILLATION"},
	}
	out := ""
	for _, n := range names {
		if f&n.bit == 0 {
			continue
		}
		if out != "" {
			out += " "
		}
		out += n.name
	}
	return out
}

// Baseline is the learned mean/std for each monitored ratio.
type Baseline struct {
	MeanCMR, StdCMR float64
	MeanBMR, StdBMR float64
	MeanIPC, StdIPC float64
	Samples         uint64
	Ready           bool
}

// Result is the per-sample detection output.
type Result struct {
	ZCacheMissRate  float64
	ZBranchMissRate float64
	ZIPC            float64
	Composite       float64
	Flags           Flag
	Consecutive     uint64
}

// Engine accumulates learning statistics, finalizes a Baseline exactly
// once, then scores detection samples against it. Not safe for concurrent
// use; the orchestrator is its sole caller.
type Engine struct {
	zThreshold  float64
	burstWindow int

	nLearn  uint64
	statCMR onlineStat
	statBMR onlineStat
	statIPC onlineStat

	baseline Baseline

	window       []float64
	windowPos    int
	windowFilled int

	consecutive uint64
}

// onlineStat accumulates mean and variance with Welford's method, which
// stays numerically stable at the baseline's sample counts instead of
// cancelling two large sums of squares against each other (the naive
// E[X²]-E[X]² formula loses enough precision on a flat input that std
// lands a few multiples of 1e-9 above zero, not below the z-score engine's
// 1e-12 cutoff).
type onlineStat struct {
	count uint64
	mean  float64
	m2    float64
}

func (s *onlineStat) update(x float64) {
	s.count++
	delta := x - s.mean
	s.mean += delta / float64(s.count)
	delta2 := x - s.mean
	s.m2 += delta * delta2
}

func (s *onlineStat) std() float64 {
	if s.count < 2 {
		return 0
	}
	variance := s.m2 / float64(s.count)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// New builds an Engine. zThreshold is the z-score magnitude above which a
// primary flag fires (default 3.5); burstWindow sizes both the
// oscillation window and the sustained-anomaly threshold (default 10).
func New(zThreshold float64, burstWindow int) *Engine {
	if burstWindow < 1 {
		burstWindow = 1
	}
	return &Engine{
		zThreshold:  zThreshold,
		burstWindow: burstWindow,
		window:      make([]float64, burstWindow),
	}
}

// Learn folds one sample into the running learning-phase statistics. No
// sample is retained.
func (e *Engine) Learn(s telemetry.Sample) {
	e.nLearn++
	e.statCMR.update(s.CacheMissRate)
	e.statBMR.update(s.BranchMissRate)
	e.statIPC.update(s.IPC)
}

// Finalize computes the baseline from accumulated learning statistics and
// marks it ready. It fails if no learning samples were ever observed.
// Finalize is idempotent: a second call leaves the baseline unchanged.
func (e *Engine) Finalize() error {
	if e.baseline.Ready {
		return nil
	}
	if e.nLearn == 0 {
		return fmt.Errorf("anomaly: learning phase ended with zero samples")
	}

	e.baseline = Baseline{
		MeanCMR: e.statCMR.mean,
		MeanBMR: e.statBMR.mean,
		MeanIPC: e.statIPC.mean,
		StdCMR:  e.statCMR.std(),
		StdBMR:  e.statBMR.std(),
		StdIPC:  e.statIPC.std(),
		Samples: e.nLearn,
		Ready:   true,
	}
	return nil
}

// Baseline returns the finalized baseline. Its Ready flag is false before
// Finalize succeeds.
func (e *Engine) Baseline() Baseline {
	return e.baseline
}

// Detect scores one detection-phase sample against the finalized baseline.
func (e *Engine) Detect(s telemetry.Sample) Result {
	b := e.baseline

	var res Result
	res.ZCacheMissRate = zscore(s.CacheMissRate, b.MeanCMR, b.StdCMR)
	res.ZBranchMissRate = zscore(s.BranchMissRate, b.MeanBMR, b.StdBMR)
	res.ZIPC = zscore(s.IPC, b.MeanIPC, b.StdIPC)

	if res.ZCacheMissRate > e.zThreshold {
		res.Flags |= FlagCacheMissSpike
	}
	if res.ZBranchMissRate > e.zThreshold {
		res.Flags |= FlagBranchMissSpike
	}
	if res.ZIPC < -e.zThreshold {
		res.Flags |= FlagIPCCollapse
	}

	e.pushWindow(s.CacheMissRate)

	primaryFired := res.Flags&(FlagCacheMissSpike|FlagBranchMissSpike|FlagIPCCollapse) != 0
	if primaryFired {
		e.consecutive++
	} else {
		e.consecutive = 0
	}
	if e.consecutive >= uint64(e.burstWindow) {
		res.Flags |= FlagBurstPattern
	}
	res.Consecutive = e.consecutive

	if e.oscillating() {
		res.Flags |= FlagOscillation
	}

	m := maxAbs(res.ZCacheMissRate, res.ZBranchMissRate, res.ZIPC)
	res.Composite = clamp01(1 - 1/(1+m/e.zThreshold))

	return res
}

func zscore(x, mean, std float64) float64 {
	if std < 1e-12 {
		return 0
	}
	return (x - mean) / std
}

func maxAbs(vals ...float64) float64 {
	m := 0.0
	for _, v := range vals {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (e *Engine) pushWindow(v float64) {
	e.window[e.windowPos] = v
	e.windowPos = (e.windowPos + 1) % len(e.window)
	if e.windowFilled < len(e.window) {
		e.windowFilled++
	}
}

// oscillating counts direction reversals in the first difference of the
// circular window, walked oldest-first in place, ignoring zero differences
// when deciding what the "previous direction" was (a flat tick neither
// flips nor resets it).
func (e *Engine) oscillating() bool {
	n := e.windowFilled
	if n < 2 {
		return false
	}

	start := 0
	if n == len(e.window) {
		start = e.windowPos
	}

	lastSign := 0
	changes := 0
	prev := e.window[start%len(e.window)]
	for i := 1; i < n; i++ {
		cur := e.window[(start+i)%len(e.window)]
		diff := cur - prev
		prev = cur

		sign := 0
		switch {
		case diff > 0:
			sign = 1
		case diff < 0:
			sign = -1
		}
		if sign == 0 {
			continue
		}
		if lastSign != 0 && sign != lastSign {
			changes++
		}
		lastSign = sign
	}

	return changes >= e.burstWindow/2
}
