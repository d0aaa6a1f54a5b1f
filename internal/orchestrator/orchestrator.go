// Package orchestrator owns every long-lived resource in the detector —
// the ring buffer, anomaly engine, correlation table, IPC publisher, and
// alert logger — and drives the INIT→LEARNING→DETECTING→SHUTTING_DOWN→DONE
// lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Patronibo/Cpu-Guardian/internal/alertlog"
	"github.com/Patronibo/Cpu-Guardian/internal/anomaly"
	"github.com/Patronibo/Cpu-Guardian/internal/config"
	"github.com/Patronibo/Cpu-Guardian/internal/correlation"
	"github.com/Patronibo/Cpu-Guardian/internal/ipcpub"
	"github.com/Patronibo/Cpu-Guardian/internal/output"
	"github.com/Patronibo/Cpu-Guardian/internal/pmu"
	"github.com/Patronibo/Cpu-Guardian/internal/ring"
	"github.com/Patronibo/Cpu-Guardian/internal/sampler"
	"github.com/Patronibo/Cpu-Guardian/internal/telemetry"
)

// Phase is a lifecycle state. Transitions only ever move forward; an
// external cancellation can short-circuit any phase straight to
// SHUTTING_DOWN.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseLearning
	PhaseDetecting
	PhaseShuttingDown
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseLearning:
		return "LEARNING"
	case PhaseDetecting:
		return "DETECTING"
	case PhaseShuttingDown:
		return "SHUTTING_DOWN"
	case PhaseDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

const (
	emptyRingSleep = 200 * time.Microsecond
	decayInterval  = time.Second
	statusInterval = 10 * time.Second
)

// Snapshot is a read-only, mutex-guarded view of orchestrator state for
// introspection (see internal/introspect).
type Snapshot struct {
	Phase           Phase
	Baseline        anomaly.Baseline
	TopRisk         correlation.Entry
	HasTopRisk      bool
	SamplesLearned  uint64
	SamplesDetected uint64
	AnomaliesSeen   uint64
}

// Orchestrator is the single owner of the detection pipeline's resources.
type Orchestrator struct {
	cfg config.Config

	buf      *ring.Buffer
	eng      *anomaly.Engine
	corr     *correlation.Table
	ipc      *ipcpub.Publisher
	logger   *alertlog.Logger
	samp     *sampler.Sampler
	cancel   *atomic.Bool
	progress *output.Progress

	phase atomic.Int32

	mu             sync.Mutex
	snapshot       Snapshot
	samplesLearned uint64
	samplesDetect  uint64
	anomalies      uint64
}

// New constructs an Orchestrator from cfg. It does not open any resources;
// call Run to do that.
func New(cfg config.Config) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		eng:      anomaly.New(cfg.ZThreshold, int(cfg.BurstWindow)),
		corr:     correlation.New(correlation.WithDecayWindow(int64(cfg.CorrelationWindowSec) * int64(time.Second)), correlation.WithDecayFactor(cfg.RiskDecayFactor)),
		cancel:   &atomic.Bool{},
		progress: output.NewVerboseProgress(true, cfg.Verbose),
	}
}

// Run executes the full lifecycle until ctx is cancelled, an external
// signal arrives, or a fatal initialization error occurs. It always
// releases every resource it opened before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setPhase(PhaseInit)

	for _, w := range pmu.Preflight("/proc") {
		o.logWarning(w)
	}

	o.buf = ring.New(int(o.cfg.RingBufferCapacity))

	var err error
	o.logger, err = alertlog.Open(o.cfg.LogFile, o.cfg.LogToSyslog, time.Duration(o.cfg.AlertCooldownSec)*time.Second)
	if err != nil {
		return fmt.Errorf("orchestrator: FATAL_INIT: %w", err)
	}
	defer o.logger.Close()

	if o.cfg.EnableMLOutput {
		if ipc, ipcErr := ipcpub.Open(o.cfg.SocketPath, func(e error) {
			fmt.Fprintln(os.Stderr, e)
		}); ipcErr == nil {
			o.ipc = ipc
		}
		// IPC init failure is never fatal; o.ipc stays nil and Send
		// becomes a no-op.
	}
	defer o.ipc.Close()

	o.samp, err = sampler.New(sampler.Config{
		TargetCPU: o.cfg.TargetCPU,
		TargetPID: o.cfg.TargetPID,
		Interval:  time.Duration(o.cfg.SamplingIntervalUS) * time.Microsecond,
	}, o.buf, o.cancel)
	if err != nil {
		return fmt.Errorf("orchestrator: FATAL_INIT: %w (hint: check perf_event_paranoid level or virtualization)", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.samp.Run()
	}()
	defer wg.Wait()
	defer o.cancel.Store(true)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		o.cancel.Store(true)
	}()

	cancelledDuringLearning := o.runLearning()
	if cancelledDuringLearning {
		o.setPhase(PhaseShuttingDown)
		o.setPhase(PhaseDone)
		return nil
	}

	if err := o.eng.Finalize(); err != nil {
		o.setPhase(PhaseShuttingDown)
		o.setPhase(PhaseDone)
		return fmt.Errorf("orchestrator: FATAL_RUNTIME: %w (hint: run self-test mode)", err)
	}
	o.publishSnapshot()

	maybeDropPrivileges()

	o.runDetection()

	o.setPhase(PhaseShuttingDown)
	o.setPhase(PhaseDone)
	return nil
}

// runLearning feeds samples to the anomaly engine's learning accumulator
// until the configured deadline or cancellation, whichever comes first. It
// reports whether cancellation (rather than the deadline) ended the phase.
func (o *Orchestrator) runLearning() bool {
	o.setPhase(PhaseLearning)
	deadline := time.Now().Add(time.Duration(o.cfg.LearningDurationSec) * time.Second)

	for {
		if o.cancel.Load() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}

		s, ok := o.buf.Pop()
		if !ok {
			time.Sleep(emptyRingSleep)
			continue
		}

		o.eng.Learn(s)
		o.samplesLearned++
		o.ipc.Send(s)
	}
}

func (o *Orchestrator) runDetection() {
	o.setPhase(PhaseDetecting)

	lastDecay := time.Now()
	lastStatus := time.Now()

	for {
		if o.cancel.Load() {
			return
		}

		s, ok := o.buf.Pop()
		if !ok {
			time.Sleep(emptyRingSleep)
		} else {
			o.handleDetectionSample(s)
		}

		now := time.Now()
		if now.Sub(lastDecay) >= decayInterval {
			// Correlation entries carry sampler-epoch timestamps (see
			// sampler.Sampler.Epoch); decay must compare against the same
			// scale rather than wall-clock UnixNano.
			o.corr.Decay(time.Since(o.samp.Epoch()).Nanoseconds())
			lastDecay = now
			o.publishSnapshot()
		}
		if o.cfg.Verbose && now.Sub(lastStatus) >= statusInterval {
			o.logStatus()
			lastStatus = now
		}
	}
}

func (o *Orchestrator) handleDetectionSample(s telemetry.Sample) {
	res := o.eng.Detect(s)
	o.samplesDetect++
	o.ipc.Send(s)

	if res.Flags == 0 {
		return
	}
	o.anomalies++

	// System-wide counters carry no per-sample PID; attribute to the
	// configured target PID, falling back to this process as a hint when
	// none was configured.
	pid := o.cfg.TargetPID
	if pid < 0 {
		pid = os.Getpid()
	}
	o.corr.Update(pid, pid, res.Composite, s.TimestampNS)

	level := alertlog.Classify(res.Composite, res.Flags&anomaly.FlagBurstPattern != 0)
	comm := "<unknown>"
	if top, ok := o.corr.TopRisk(); ok {
		pid = top.PID
		comm = top.Name
	}

	o.logger.Emit(alertlog.Alert{
		Level:        level,
		TimestampNS:  uint64(s.TimestampNS),
		PID:          pid,
		Comm:         comm,
		AnomalyScore: res.Composite,
		Reason:       res.Flags.String(),
	})
}

func (o *Orchestrator) logStatus() {
	o.progress.Log("phase=%s learned=%d detected=%d anomalies=%d ring_len=%d",
		o.Phase(), o.samplesLearned, o.samplesDetect, o.anomalies, o.buf.Len())
}

func (o *Orchestrator) logWarning(w pmu.Warning) {
	if w.Info {
		o.progress.Debug("%s", w.Message)
		return
	}
	o.progress.Log("WARN: %s", w.Message)
}

func (o *Orchestrator) setPhase(p Phase) {
	o.phase.Store(int32(p))
	o.publishSnapshot()
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	return Phase(o.phase.Load())
}

func (o *Orchestrator) publishSnapshot() {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		Phase:           o.Phase(),
		SamplesLearned:  o.samplesLearned,
		SamplesDetected: o.samplesDetect,
		AnomaliesSeen:   o.anomalies,
	}
	if o.eng != nil {
		snap.Baseline = o.eng.Baseline()
	}
	if o.corr != nil {
		if top, ok := o.corr.TopRisk(); ok {
			snap.TopRisk = top
			snap.HasTopRisk = true
		}
	}
	o.snapshot = snap
}

// Snapshot returns the most recently published state. Safe for concurrent
// use from the introspection server.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot
}

// maybeDropPrivileges demotes the process to the invoking user's identity
// when launched via a sudo-like wrapper. Counters are already open by this
// point, so dropping privileges here doesn't interrupt collection.
func maybeDropPrivileges() {
	uidStr := os.Getenv("SUDO_UID")
	gidStr := os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return
	}

	uid, err1 := strconv.Atoi(uidStr)
	gid, err2 := strconv.Atoi(gidStr)
	if err1 != nil || err2 != nil {
		return
	}

	// Drop group privileges before user privileges: once the UID changes,
	// the process may no longer be permitted to change its GID.
	_ = syscall.Setgid(gid)
	_ = syscall.Setuid(uid)
}
