// cpuguardian — a CPU-cache/branch side-channel anomaly detector.
//
// Opens a group of hardware performance counters, learns a per-machine
// baseline, then flags statistically significant deviations that may
// indicate a timing or cache side-channel attack in progress.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Patronibo/Cpu-Guardian/internal/config"
	"github.com/Patronibo/Cpu-Guardian/internal/introspect"
	"github.com/Patronibo/Cpu-Guardian/internal/orchestrator"
	"github.com/Patronibo/Cpu-Guardian/internal/pmu"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "cpuguardian",
		Short: "CPU cache/branch side-channel anomaly detector",
		Long: `cpuguardian — single Go binary that watches hardware performance
counters (cycles, instructions, cache misses, branch misses) for the
statistical signatures of a timing or cache side-channel attack.

Learns a baseline during a short warm-up window, then flags samples whose
cache-miss rate, branch-miss rate, or IPC deviate sharply from it.`,
		Version: version,
	}

	var configPath string
	var profileName string
	var (
		samplingIntervalUS uint64
		learningDurationS  uint64
		zThreshold         float64
		burstWindow        uint64
		ringCapacity       uint64
		targetCPU          int
		targetPID          int
		logFile            string
		logToSyslog        bool
		verbose            bool
		socketPath         string
		enableMLOutput     bool
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the detector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warnings, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintf(os.Stderr, "cpuguardian: config line %d: %s\n", w.Line, w.Message)
			}

			if profileName != "" {
				cfg = orchestrator.ApplyProfile(cfg, profileName)
			}

			applyOverrides(cmd, &cfg, overrideValues{
				samplingIntervalUS: samplingIntervalUS,
				learningDurationS:  learningDurationS,
				zThreshold:         zThreshold,
				burstWindow:        burstWindow,
				ringCapacity:       ringCapacity,
				targetCPU:          targetCPU,
				targetPID:          targetPID,
				logFile:            logFile,
				logToSyslog:        logToSyslog,
				verbose:            verbose,
				socketPath:         socketPath,
				enableMLOutput:     enableMLOutput,
			})

			orch := orchestrator.New(cfg)
			return orch.Run(context.Background())
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "path to a key=value configuration file")
	runCmd.Flags().StringVar(&profileName, "profile", "", fmt.Sprintf("apply a sensitivity preset (%v) before individual overrides", orchestrator.ProfileNames()))
	runCmd.Flags().Uint64Var(&samplingIntervalUS, "sampling-interval-us", 0, "override sampling_interval_us")
	runCmd.Flags().Uint64Var(&learningDurationS, "learning-duration-sec", 0, "override learning_duration_sec")
	runCmd.Flags().Float64Var(&zThreshold, "z-threshold", 0, "override z_threshold")
	runCmd.Flags().Uint64Var(&burstWindow, "burst-window", 0, "override burst_window")
	runCmd.Flags().Uint64Var(&ringCapacity, "ringbuffer-capacity", 0, "override ringbuffer_capacity")
	runCmd.Flags().IntVar(&targetCPU, "target-cpu", -2, "override target_cpu (-1 = any)")
	runCmd.Flags().IntVar(&targetPID, "target-pid", -2, "override target_pid (-1 = system-wide)")
	runCmd.Flags().StringVar(&logFile, "log-file", "", "override log_file")
	runCmd.Flags().BoolVar(&logToSyslog, "log-to-syslog", false, "override log_to_syslog")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "override verbose")
	runCmd.Flags().StringVar(&socketPath, "socket-path", "", "override socket_path")
	runCmd.Flags().BoolVar(&enableMLOutput, "enable-ml-output", false, "override enable_ml_output")

	selftestCmd := &cobra.Command{
		Use:   "selftest",
		Short: "Verify the PMU counter group can be opened on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest()
		},
	}

	capabilitiesCmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Show perf_event_open preflight diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapabilities()
		},
	}

	var mcpVersion string
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run an MCP introspection server over stdio (no detector attached)",
		Long:  "Starts an MCP server exposing get_phase/get_baseline/get_top_risk/get_status against an idle orchestrator. Intended for wiring tests against the introspection surface; no live detector is attached, and `run` does not start this server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch := orchestrator.New(config.Default())
			srv := introspect.NewServer(mcpVersion, orch)
			return srv.Start(cmd.Context())
		},
	}
	mcpCmd.Flags().StringVar(&mcpVersion, "server-version", version, "version string reported to MCP clients")

	rootCmd.AddCommand(runCmd, selftestCmd, capabilitiesCmd, mcpCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, []config.Warning, error) {
	cfg := config.Default()
	if path == "" {
		return cfg, nil, nil
	}
	return config.LoadFile(cfg, path)
}

type overrideValues struct {
	samplingIntervalUS uint64
	learningDurationS  uint64
	zThreshold         float64
	burstWindow        uint64
	ringCapacity       uint64
	targetCPU          int
	targetPID          int
	logFile            string
	logToSyslog        bool
	verbose            bool
	socketPath         string
	enableMLOutput     bool
}

// applyOverrides layers command-line flags onto cfg, the final stage of
// the defaults -> file -> command-line precedence chain. Only flags the
// user actually set are applied.
func applyOverrides(cmd *cobra.Command, cfg *config.Config, v overrideValues) {
	flags := cmd.Flags()
	if flags.Changed("sampling-interval-us") {
		cfg.SamplingIntervalUS = v.samplingIntervalUS
	}
	if flags.Changed("learning-duration-sec") {
		cfg.LearningDurationSec = v.learningDurationS
	}
	if flags.Changed("z-threshold") {
		cfg.ZThreshold = v.zThreshold
	}
	if flags.Changed("burst-window") {
		cfg.BurstWindow = v.burstWindow
	}
	if flags.Changed("ringbuffer-capacity") {
		cfg.RingBufferCapacity = v.ringCapacity
	}
	if flags.Changed("target-cpu") {
		cfg.TargetCPU = v.targetCPU
	}
	if flags.Changed("target-pid") {
		cfg.TargetPID = v.targetPID
	}
	if flags.Changed("log-file") {
		cfg.LogFile = v.logFile
	}
	if flags.Changed("log-to-syslog") {
		cfg.LogToSyslog = v.logToSyslog
	}
	if flags.Changed("verbose") {
		cfg.Verbose = v.verbose
	}
	if flags.Changed("socket-path") {
		cfg.SocketPath = v.socketPath
	}
	if flags.Changed("enable-ml-output") {
		cfg.EnableMLOutput = v.enableMLOutput
	}
}

func runSelftest() error {
	for _, w := range pmu.Preflight("/proc") {
		kind := "WARN"
		if w.Info {
			kind = "INFO"
		}
		fmt.Printf("%s: %s\n", kind, w.Message)
	}

	// cpu and pid cannot both be "any"; probe system-wide on a fixed CPU,
	// matching config.Default()'s target pairing.
	sess, err := pmu.Open(0, -1)
	if err != nil {
		return fmt.Errorf("selftest failed: %w", err)
	}
	defer sess.Close()

	open := sess.OpenSlots()
	names := []string{"cycles", "instructions", "cache_misses", "branch_misses", "branch_instructions", "cache_references"}
	for i, name := range names {
		status := "unavailable"
		if open[i] {
			status = "ok"
		}
		fmt.Printf("%-22s %s\n", name, status)
	}

	reading, err := sess.Read()
	if err != nil {
		return fmt.Errorf("selftest read failed: %w", err)
	}
	fmt.Printf("cycles=%d instructions=%d\n", reading.Values[pmu.SlotCycles], reading.Values[pmu.SlotInstructions])
	return nil
}

func runCapabilities() error {
	for _, w := range pmu.Preflight("/proc") {
		kind := "WARN"
		if w.Info {
			kind = "INFO"
		}
		fmt.Printf("%s: %s\n", kind, w.Message)
	}
	fmt.Println("perf_event_open counter group: cycles, instructions (mandatory); cache_misses/cache_references/cpu_clock (first-success); branch_misses, branch_instructions, cache_references (optional)")
	return nil
}
