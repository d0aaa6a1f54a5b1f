// Package correlation tracks a smoothed, decaying anomaly score per
// process so the orchestrator can attribute alerts to a likely culprit.
package correlation

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	maxEntries         = 256
	defaultAlpha       = 0.3
	defaultDecayFactor = 0.95
	decaySnapThreshold = 1e-3
	defaultWindowNS    = int64(30e9)
)

// Entry is one tracked process's risk profile.
type Entry struct {
	PID, TID          int
	Name              string
	Score             float64
	TotalSamples      uint64
	SuspiciousSamples uint64
	LastSeenNS        int64
	Active            bool
}

// Table is a fixed-capacity correlation table. The zero value is not ready
// for use; construct with New. Not safe for concurrent use; the
// orchestrator is its sole caller.
type Table struct {
	procRoot    string
	alpha       float64
	decayFactor float64
	windowNS    int64

	entries [maxEntries]Entry
	size    int // number of slots ever allocated (active or reusable)
}

// Option configures a Table away from its defaults.
type Option func(*Table)

// WithProcRoot overrides where process names are resolved from; intended
// for tests. Production callers should leave this as "/proc".
func WithProcRoot(root string) Option {
	return func(t *Table) { t.procRoot = root }
}

// WithDecayWindow overrides the inactivity window after which an entry is
// deactivated during decay.
func WithDecayWindow(windowNS int64) Option {
	return func(t *Table) { t.windowNS = windowNS }
}

// WithDecayFactor overrides the per-tick multiplicative decay.
func WithDecayFactor(factor float64) Option {
	return func(t *Table) { t.decayFactor = factor }
}

// New builds a Table with the standard tuning (alpha=0.3, decay factor=0.95,
// 30s inactivity window), applying any supplied Options.
func New(opts ...Option) *Table {
	t := &Table{
		procRoot:    "/proc",
		alpha:       defaultAlpha,
		decayFactor: defaultDecayFactor,
		windowNS:    defaultWindowNS,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update records one anomaly score observation for (pid, tid) at time tNS.
// An existing active entry is smoothed with EMA; otherwise a reused or
// freshly allocated slot is created. Once the table is full with no
// inactive slots available, the observation is dropped.
func (t *Table) Update(pid, tid int, score float64, tNS int64) {
	for i := 0; i < t.size; i++ {
		e := &t.entries[i]
		if e.Active && e.PID == pid {
			t.apply(e, score, tNS)
			return
		}
	}

	for i := 0; i < t.size; i++ {
		e := &t.entries[i]
		if !e.Active {
			*e = Entry{PID: pid, TID: tid, Name: t.resolveName(pid), Active: true}
			t.apply(e, score, tNS)
			return
		}
	}

	if t.size < maxEntries {
		e := &t.entries[t.size]
		*e = Entry{PID: pid, TID: tid, Name: t.resolveName(pid), Active: true}
		t.size++
		t.apply(e, score, tNS)
	}
	// table full and no inactive slot: silently drop
}

func (t *Table) apply(e *Entry, score float64, tNS int64) {
	e.Score = t.alpha*score + (1-t.alpha)*e.Score
	e.TotalSamples++
	if score > 0.5 {
		e.SuspiciousSamples++
	}
	e.LastSeenNS = tNS
}

// Decay ages every active entry: deactivates it if it hasn't been updated
// within the inactivity window, otherwise multiplies its score by the
// decay factor and snaps scores below 1e-3 to exactly zero. Deactivated
// slots are left in place for Update to reuse; the array is never
// compacted.
func (t *Table) Decay(nowNS int64) {
	for i := 0; i < t.size; i++ {
		e := &t.entries[i]
		if !e.Active {
			continue
		}
		if nowNS-e.LastSeenNS > t.windowNS {
			e.Active = false
			continue
		}
		e.Score *= t.decayFactor
		if e.Score < decaySnapThreshold {
			e.Score = 0
		}
	}
}

// Lookup returns the active entry for pid, if any.
func (t *Table) Lookup(pid int) (Entry, bool) {
	for i := 0; i < t.size; i++ {
		if e := t.entries[i]; e.Active && e.PID == pid {
			return e, true
		}
	}
	return Entry{}, false
}

// TopRisk returns the active entry with the greatest score, or false if no
// entry is active.
func (t *Table) TopRisk() (Entry, bool) {
	best := Entry{}
	found := false
	for i := 0; i < t.size; i++ {
		e := t.entries[i]
		if !e.Active {
			continue
		}
		if !found || e.Score > best.Score {
			best = e
			found = true
		}
	}
	return best, found
}

func (t *Table) resolveName(pid int) string {
	data, err := os.ReadFile(filepath.Join(t.procRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		return "<unknown>"
	}
	return strings.TrimSuffix(string(data), "\n")
}
