// Package pmu opens and reads a group of hardware performance counters
// through the Linux perf_event_open interface.
package pmu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Fixed counter slot indices. Positions are stable so downstream code can
// index the Reading array directly instead of carrying names around.
const (
	SlotCycles = iota
	SlotInstructions
	SlotCacheMisses
	SlotBranchMisses
	SlotBranchInstructions
	SlotCacheReferences
	numSlots
)

// perfIOCFlagGroup mirrors PERF_IOC_FLAG_GROUP from <linux/perf_event.h>; the
// unix package does not export it, so it's reproduced here.
const perfIOCFlagGroup = 1

// Reading is a snapshot of the six cumulative counters plus the scale
// correction timestamps the kernel reports when events are multiplexed.
type Reading struct {
	Values      [numSlots]uint64
	TimeEnabled uint64
	TimeRunning uint64
}

// Scaled returns Values[i] corrected for counter multiplexing: when the
// event ran for less wall time than it was enabled, the raw count is
// scaled up by TimeEnabled/TimeRunning. A TimeRunning of zero means the
// event never ran and the corrected value is zero.
func (r Reading) Scaled(i int) float64 {
	if r.TimeRunning == 0 {
		return 0
	}
	v := float64(r.Values[i])
	if r.TimeRunning < r.TimeEnabled {
		return v * float64(r.TimeEnabled) / float64(r.TimeRunning)
	}
	return v
}

type counterSlot struct {
	fd     int
	opened bool
}

// Session manages one perf_event_open group of up to six counters, with the
// cycles counter as group leader. The zero value is not usable; construct
// with Open.
type Session struct {
	slots  [numSlots]counterSlot
	leader int
}

// Warning is a non-fatal preflight diagnostic surfaced to the caller before
// Open attempts to create the group (elevated perf_event_paranoid level,
// hypervisor presence, etc).
type Warning struct {
	Info    bool
	Message string
}

// Preflight inspects <procRoot>/sys/kernel/perf_event_paranoid and
// <procRoot>/cpuinfo for conditions worth warning about. Neither condition
// is fatal. Pass "/proc" in production.
func Preflight(procRoot string) []Warning {
	var warnings []Warning

	if level, ok := readParanoidLevelAt(procRoot); ok && level > maxSupportedParanoid {
		warnings = append(warnings, Warning{
			Message: fmt.Sprintf("perf_event_paranoid=%d exceeds supported level %d; some counters may fail to open", level, maxSupportedParanoid),
		})
	}

	if hypervisorPresentAt(procRoot) {
		warnings = append(warnings, Warning{
			Info:    true,
			Message: "hypervisor flag present in cpuinfo; hardware counters may be unavailable or virtualized under this hypervisor",
		})
	}

	return warnings
}

const maxSupportedParanoid = 2

// Open creates the counter group for the given cpu (-1 for any CPU) and pid
// (-1 for system-wide). (cpu, pid) cannot both be "any". If cpu is -1 and the
// kernel rejects it, Open transparently retries on cpu 0.
func Open(cpu, pid int) (*Session, error) {
	if cpu < 0 && pid < 0 {
		return nil, fmt.Errorf("pmu: cpu and pid cannot both be \"any\"")
	}

	if cpu < 0 {
		if probeAnyCPU(pid) {
			cpu = -1
		} else {
			cpu = 0
		}
	}

	s := &Session{leader: -1}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	leaderFD, err := openEvent(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, pid, cpu, -1, true)
	if err != nil {
		return nil, fmt.Errorf("pmu: open cycles counter: %w", err)
	}
	s.slots[SlotCycles] = counterSlot{fd: leaderFD, opened: true}
	s.leader = leaderFD

	instrFD, err := openEvent(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS, pid, cpu, leaderFD, false)
	if err != nil {
		return nil, fmt.Errorf("pmu: open instructions counter: %w", err)
	}
	s.slots[SlotInstructions] = counterSlot{fd: instrFD, opened: true}

	// Cache-miss slot: first-success among cache-misses, cache-references,
	// software CPU clock.
	type candidate struct {
		typ, config uint32
	}
	for _, c := range []candidate{
		{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_MISSES},
		{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_REFERENCES},
		{unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_CPU_CLOCK},
	} {
		if fd, err := openEvent(c.typ, c.config, pid, cpu, leaderFD, false); err == nil {
			s.slots[SlotCacheMisses] = counterSlot{fd: fd, opened: true}
			break
		}
	}

	// Individually optional: branch misses, branch instructions, cache refs.
	for slotIdx, c := range map[int]candidate{
		SlotBranchMisses:       {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_MISSES},
		SlotBranchInstructions: {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS},
		SlotCacheReferences:    {unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_REFERENCES},
	} {
		if fd, err := openEvent(c.typ, c.config, pid, cpu, leaderFD, false); err == nil {
			s.slots[slotIdx] = counterSlot{fd: fd, opened: true}
		}
	}

	if !s.slots[SlotCycles].opened || !s.slots[SlotInstructions].opened {
		return nil, fmt.Errorf("pmu: mandatory counters (cycles, instructions) not both available")
	}

	if err := s.Reset(); err != nil {
		return nil, err
	}
	if err := s.Enable(); err != nil {
		return nil, err
	}

	ok = true
	return s, nil
}

// openEvent issues the perf_event_open syscall for one counter. groupFD is
// -1 for the group leader, otherwise the leader's fd. Inheritance is always
// requested so child threads/processes are counted.
func openEvent(typ, config uint32, pid, cpu, groupFD int, leader bool) (int, error) {
	attr := unix.PerfEventAttr{
		Type:        typ,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      uint64(config),
		Bits:        unix.PerfBitInherit,
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
	}
	if leader {
		attr.Bits |= unix.PerfBitDisabled
	}

	fd, err := unix.PerfEventOpen(&attr, pid, cpu, groupFD, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Read reads every open slot and records its raw value together with the
// enabled/running times; scale correction is applied by Reading.Scaled.
// Unopened slots read as zero. Read fails only if an open slot's fd returns
// a read error.
func (s *Session) Read() (Reading, error) {
	var out Reading

	for i := range s.slots {
		slot := s.slots[i]
		if !slot.opened {
			continue
		}

		var buf [24]byte
		n, err := unix.Read(slot.fd, buf[:])
		if err != nil {
			return Reading{}, fmt.Errorf("pmu: read slot %d: %w", i, err)
		}
		if n != len(buf) {
			return Reading{}, fmt.Errorf("pmu: read slot %d: short read (%d bytes)", i, n)
		}

		value := nativeUint64(buf[0:8])
		timeEnabled := nativeUint64(buf[8:16])
		timeRunning := nativeUint64(buf[16:24])

		out.Values[i] = value
		// All group members share the same schedule, so the last slot's
		// times are representative of the whole reading.
		out.TimeEnabled = timeEnabled
		out.TimeRunning = timeRunning
	}

	return out, nil
}

// Reset zeroes every counter in the group via a group-wide ioctl on the
// leader.
func (s *Session) Reset() error {
	if s.leader < 0 {
		return fmt.Errorf("pmu: session not open")
	}
	return unix.IoctlSetInt(s.leader, unix.PERF_EVENT_IOC_RESET, perfIOCFlagGroup)
}

// Enable starts every counter in the group.
func (s *Session) Enable() error {
	if s.leader < 0 {
		return fmt.Errorf("pmu: session not open")
	}
	return unix.IoctlSetInt(s.leader, unix.PERF_EVENT_IOC_ENABLE, perfIOCFlagGroup)
}

// Disable stops every counter in the group without releasing descriptors.
func (s *Session) Disable() error {
	if s.leader < 0 {
		return fmt.Errorf("pmu: session not open")
	}
	return unix.IoctlSetInt(s.leader, unix.PERF_EVENT_IOC_DISABLE, perfIOCFlagGroup)
}

// Close releases every open descriptor and nullifies the leader. Close is
// idempotent.
func (s *Session) Close() error {
	var firstErr error
	for i := range s.slots {
		if s.slots[i].opened {
			if err := unix.Close(s.slots[i].fd); err != nil && firstErr == nil {
				firstErr = err
			}
			s.slots[i] = counterSlot{}
		}
	}
	s.leader = -1
	return firstErr
}

// OpenSlots reports which of the six fixed slots successfully opened, in
// fixed index order.
func (s *Session) OpenSlots() [numSlots]bool {
	var out [numSlots]bool
	for i := range s.slots {
		out[i] = s.slots[i].opened
	}
	return out
}

func nativeUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// probeAnyCPU checks whether the kernel accepts cpu=-1 for the given pid by
// attempting to open a lightweight software event; the probe fd is closed
// immediately.
func probeAnyCPU(pid int) bool {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: unix.PERF_COUNT_SW_CPU_CLOCK,
		Bits:   unix.PerfBitDisabled,
	}
	fd, err := unix.PerfEventOpen(&attr, pid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}
