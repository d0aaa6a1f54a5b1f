// Package config loads detector settings from built-in defaults, an
// optional key=value file, and command-line overrides, in that order of
// precedence.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every tunable named by the configuration surface.
type Config struct {
	SamplingIntervalUS   uint64
	LearningDurationSec  uint64
	ZThreshold           float64
	BurstWindow          uint64
	RingBufferCapacity   uint64
	TargetCPU            int
	TargetPID            int
	LogFile              string
	LogToSyslog          bool
	Verbose              bool
	RiskDecayFactor      float64
	CorrelationWindowSec uint64
	AlertCooldownSec     uint64
	SocketPath           string
	EnableMLOutput       bool
}

// Default returns the built-in baseline configuration.
func Default() Config {
	return Config{
		SamplingIntervalUS:   100_000,
		LearningDurationSec:  60,
		ZThreshold:           3.5,
		BurstWindow:          10,
		RingBufferCapacity:   1024,
		// cpu and pid cannot both be "any" (pmu.Open rejects that pairing);
		// the zero-config path monitors the whole machine from a fixed CPU.
		TargetCPU:            0,
		TargetPID:            -1,
		LogFile:              "",
		LogToSyslog:          false,
		Verbose:              false,
		RiskDecayFactor:      0.95,
		CorrelationWindowSec: 30,
		AlertCooldownSec:     5,
		SocketPath:           "/tmp/cpuguardian.sock",
		EnableMLOutput:       false,
	}
}

// Warning is one non-fatal problem encountered while parsing a config file:
// an unknown key or a malformed line. Neither aborts the load.
type Warning struct {
	Line    int
	Message string
}

// LoadFile merges key=value pairs from path onto cfg, returning the
// warnings accumulated for unknown keys and malformed lines. Blank lines
// and lines starting with '#' are ignored. cfg is taken by value: LoadFile
// returns a copy of it with the file's values applied on top, and the
// caller's own value is left unchanged.
func LoadFile(cfg Config, path string) (Config, []Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return cfg, nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	var warnings []Warning
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := splitKeyValue(line)
		if !ok {
			warnings = append(warnings, Warning{Line: lineNo, Message: fmt.Sprintf("malformed line: %q", line)})
			continue
		}

		if !apply(&cfg, key, value) {
			warnings = append(warnings, Warning{Line: lineNo, Message: fmt.Sprintf("unknown key: %q", key)})
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, warnings, fmt.Errorf("config: read %q: %w", path, err)
	}

	return cfg, warnings, nil
}

func splitKeyValue(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, '=')
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

// apply sets the field named by key from value, reporting whether key was
// recognized. Malformed values for a recognized key are silently ignored
// (the field keeps its prior value) rather than escalated to a fatal
// error: config problems warn, they never abort the load.
func apply(cfg *Config, key, value string) bool {
	switch key {
	case "sampling_interval_us":
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			cfg.SamplingIntervalUS = v
		}
	case "learning_duration_sec":
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			cfg.LearningDurationSec = v
		}
	case "z_threshold":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			cfg.ZThreshold = v
		}
	case "burst_window":
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			cfg.BurstWindow = v
		}
	case "ringbuffer_capacity":
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			cfg.RingBufferCapacity = v
		}
	case "target_cpu":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.TargetCPU = v
		}
	case "target_pid":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.TargetPID = v
		}
	case "log_file":
		cfg.LogFile = value
	case "log_to_syslog":
		cfg.LogToSyslog = parseBool(value)
	case "verbose":
		cfg.Verbose = parseBool(value)
	case "risk_decay_factor":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			cfg.RiskDecayFactor = v
		}
	case "correlation_window_sec":
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			cfg.CorrelationWindowSec = v
		}
	case "alert_cooldown_sec":
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			cfg.AlertCooldownSec = v
		}
	case "socket_path":
		cfg.SocketPath = value
	case "enable_ml_output":
		cfg.EnableMLOutput = parseBool(value)
	default:
		return false
	}
	return true
}

func parseBool(value string) bool {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return v
}
