// Package sampler runs the dedicated telemetry-collection loop: it owns a
// PMU session, turns successive readings into deltas, and pushes samples
// into a ring buffer for the orchestrator to drain.
package sampler

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Patronibo/Cpu-Guardian/internal/pmu"
	"github.com/Patronibo/Cpu-Guardian/internal/ring"
	"github.com/Patronibo/Cpu-Guardian/internal/telemetry"
)

// Config controls the sampler's PMU target and cadence.
type Config struct {
	TargetCPU int // -1 = any
	TargetPID int // -1 = system-wide
	Interval  time.Duration
	PinCPU    bool // pin this goroutine's OS thread to TargetCPU
}

// Sampler owns one PMU session and drives it on a fixed interval, pushing
// derived samples into a ring buffer. Not safe for concurrent use by more
// than one goroutine; it is the ring buffer's sole producer.
type Sampler struct {
	cfg  Config
	sess *pmu.Session
	buf  *ring.Buffer

	cancel *atomic.Bool

	epoch   time.Time
	prev    pmu.Reading
	hasPrev bool

	dropped   atomic.Uint64
	pushed    atomic.Uint64
	readFails atomic.Uint64
}

// Stats is a point-in-time snapshot of sampler counters, safe to read
// concurrently from the orchestrator's status-summary path.
type Stats struct {
	Pushed    uint64
	Dropped   uint64
	ReadFails uint64
}

// Stats returns a snapshot of the sampler's running counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		Pushed:    s.pushed.Load(),
		Dropped:   s.dropped.Load(),
		ReadFails: s.readFails.Load(),
	}
}

// New opens the PMU session for cfg and returns a Sampler ready to Run.
// Callers observe cancel to request shutdown; it may be shared with other
// components but is written only by the cancellation dispatcher.
func New(cfg Config, buf *ring.Buffer, cancel *atomic.Bool) (*Sampler, error) {
	sess, err := pmu.Open(cfg.TargetCPU, cfg.TargetPID)
	if err != nil {
		return nil, fmt.Errorf("sampler: %w", err)
	}
	return &Sampler{cfg: cfg, sess: sess, buf: buf, cancel: cancel, epoch: time.Now()}, nil
}

// Epoch returns the reference instant sample timestamps are measured
// against via time.Since, so callers outside the sampler can convert
// their own wall-clock readings into the same monotonic scale.
func (s *Sampler) Epoch() time.Time {
	return s.epoch
}

// Run executes the sample loop until the cancellation token is observed. It
// always closes the PMU session before returning, regardless of how the
// loop exits.
func (s *Sampler) Run() {
	defer s.sess.Close()
	defer s.sess.Disable()

	if s.cfg.PinCPU && s.cfg.TargetCPU >= 0 {
		runtime.LockOSThread()
		pinSelf(s.cfg.TargetCPU)
	}

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		<-ticker.C
		s.tick()

		if s.cancel.Load() {
			return
		}
	}
}

func (s *Sampler) tick() {
	reading, err := s.sess.Read()
	if err != nil {
		s.readFails.Add(1)
		return
	}

	if s.hasPrev {
		deltas := deltaSlots(s.prev, reading)
		// time.Since retains the monotonic reading time.Now() embeds in a
		// Time value, so this stays strictly non-decreasing across an NTP
		// step; .UnixNano() on its own would strip it back to wall clock.
		sample := telemetry.New(time.Since(s.epoch).Nanoseconds(), deltas)
		if s.buf.Push(sample) {
			s.pushed.Add(1)
		} else {
			s.dropped.Add(1)
		}
	}

	s.prev = reading
	s.hasPrev = true
}

func deltaSlots(prev, cur pmu.Reading) [telemetry.NumSlots]uint64 {
	var out [telemetry.NumSlots]uint64
	for i := range out {
		p := uint64(prev.Scaled(i))
		c := uint64(cur.Scaled(i))
		if c >= p {
			out[i] = c - p
		}
		// A decrease implies a counter reset between reads; report zero
		// rather than wrapping to a huge unsigned delta.
	}
	return out
}

// pinSelf attempts to pin the calling OS thread to cpu. Failure is not
// reported: CPU pinning is a noise-reduction measure, not a correctness
// requirement.
func pinSelf(cpu int) {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	_ = unix.SchedSetaffinity(0, &set)
}
