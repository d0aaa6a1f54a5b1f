package pmu

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// readParanoidLevelAt reads <procRoot>/sys/kernel/perf_event_paranoid, the
// knob that gates which perf_event_open requests unprivileged processes may
// make.
func readParanoidLevelAt(procRoot string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(procRoot, "sys/kernel/perf_event_paranoid"))
	if err != nil {
		return 0, false
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return level, true
}

// hypervisorPresentAt reports whether <procRoot>/cpuinfo carries the
// "hypervisor" CPU flag, indicating the detector is running inside a VM.
func hypervisorPresentAt(procRoot string) bool {
	data, err := os.ReadFile(filepath.Join(procRoot, "cpuinfo"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "flags") {
			continue
		}
		fields := strings.Fields(line)
		for _, f := range fields {
			if f == "hypervisor" {
				return true
			}
		}
	}
	return false
}
