package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fogwatch/fogwatch/sim/orchestrator"
	"github.com/fogwatch/fogwatch/sim/trace"
)

var (
	// CLI flags for the run
	seed              int64         // Seed for telemetry synthesis
	simulationHorizon int64         // Declared termination time (in simulated ms)
	logLevel          string        // Log verbosity level
	configPath        string        // Optional YAML run configuration
	speed             float64       // Simulated-to-wall time ratio; 0 runs as fast as possible
	intervalMs        int64         // Sampling interval (in simulated ms)
	loadIntervalMs    int64         // Host load report interval (in simulated ms); 0 disables
	logPath           string        // Telemetry log path
	outputDir         string        // Analysis artifact directory
	projectRoot       string        // Working directory of external commands
	pipelineArgv      []string      // External analysis pipeline argv
	pipelineRequires  string        // File that must exist for the pipeline to run
	finalCommand      []string      // Command run once at the end of the final pass
	warmup            time.Duration // Monitor warm-up before the first pass
	poll              time.Duration // Monitor interval between passes
	shutdownGrace     time.Duration // Worker pool grace period at shutdown
	metricsAddr       string        // Exporter listen address; empty disables
	redisAddr         string        // Redis address for status publishing; empty disables
	traceLevel        string        // Run trace verbosity
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "fogwatch",
	Short: "Fog telemetry simulation with real-time anomaly monitoring",
}

// runCmd executes a monitored simulation using parameters from the config file and CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the simulation with telemetry sampling and background anomaly monitoring",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := buildRunConfig(cmd)
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}

		logrus.Infof("Starting fogwatch with %d devices, horizon=%dms, interval=%dms, speed=%.2f, seed=%d",
			len(cfg.Devices), cfg.HorizonMs, cfg.Sampler.IntervalMs, cfg.Speed, cfg.Seed)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		startTime := time.Now()
		res, err := orchestrator.New(cfg).Run(ctx)
		if res == nil {
			logrus.Fatalf("Run failed: %v", err)
		}
		if err != nil {
			logrus.Warnf("Run interrupted: %v", err)
		}
		printResult(cmd.OutOrStdout(), res, time.Since(startTime))
		logrus.Info("Simulation complete.")
	},
}

// buildRunConfig layers the defaults, the optional YAML file and explicitly set flags.
func buildRunConfig(cmd *cobra.Command) (orchestrator.Config, error) {
	cfg := orchestrator.DefaultConfig()
	if configPath != "" {
		fc, err := loadRunConfig(configPath)
		if err != nil {
			return cfg, err
		}
		if err := fc.Apply(&cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", configPath, err)
		}
	}

	// Flags win over the file only when given explicitly.
	flags := cmd.Flags()
	use := func(name string) bool { return configPath == "" || flags.Changed(name) }
	if use("seed") {
		cfg.Seed = seed
	}
	if use("horizon") {
		cfg.HorizonMs = simulationHorizon
	}
	if use("speed") {
		cfg.Speed = speed
	}
	if use("interval") {
		cfg.Sampler.IntervalMs = intervalMs
	}
	if use("load-interval") {
		cfg.LoadIntervalMs = loadIntervalMs
	}
	if use("log-path") {
		cfg.LogPath = logPath
	}
	if use("output-dir") {
		cfg.OutputDir = outputDir
	}
	if use("project-root") {
		cfg.ProjectRoot = projectRoot
	}
	if flags.Changed("pipeline") {
		cfg.External = pipelineArgv
	}
	if flags.Changed("pipeline-requires") {
		cfg.ExternalRequires = pipelineRequires
	}
	if flags.Changed("final-command") {
		cfg.FinalCommand = finalCommand
	}
	if use("warmup") {
		cfg.Monitor.Warmup = warmup
	}
	if use("poll") {
		cfg.Monitor.Poll = poll
	}
	if use("shutdown-grace") {
		cfg.ShutdownGrace = shutdownGrace
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Changed("redis-addr") {
		cfg.RedisAddr = redisAddr
	}
	if use("trace-level") {
		cfg.TraceLevel = traceLevel
	}
	return cfg, nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	def := orchestrator.DefaultConfig()

	runCmd.Flags().Int64Var(&seed, "seed", def.Seed, "Seed for telemetry synthesis")
	runCmd.Flags().Int64Var(&simulationHorizon, "horizon", def.HorizonMs, "Declared simulation end (in simulated ms)")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML run configuration")
	runCmd.Flags().Float64Var(&speed, "speed", def.Speed, "Simulated ms per wall ms (0 = as fast as possible)")
	runCmd.Flags().Int64Var(&intervalMs, "interval", def.Sampler.IntervalMs, "Telemetry sampling interval (in simulated ms)")
	runCmd.Flags().Int64Var(&loadIntervalMs, "load-interval", def.LoadIntervalMs, "Host load report interval (in simulated ms, 0 disables)")

	// Paths
	runCmd.Flags().StringVar(&logPath, "log-path", def.LogPath, "Telemetry log path")
	runCmd.Flags().StringVar(&outputDir, "output-dir", def.OutputDir, "Directory for anomaly artifacts")
	runCmd.Flags().StringVar(&projectRoot, "project-root", def.ProjectRoot, "Working directory of external commands")

	// Analysis pipeline
	runCmd.Flags().StringSliceVar(&pipelineArgv, "pipeline", nil, "Comma-separated argv of the external analysis pipeline, e.g. python3,run_sim.py")
	runCmd.Flags().StringVar(&pipelineRequires, "pipeline-requires", "", "File under the project root the pipeline needs, e.g. run_sim.py")
	runCmd.Flags().StringSliceVar(&finalCommand, "final-command", nil, "Comma-separated argv run once after the final analysis pass")
	runCmd.Flags().DurationVar(&warmup, "warmup", def.Monitor.Warmup, "Monitor warm-up before the first analysis pass")
	runCmd.Flags().DurationVar(&poll, "poll", def.Monitor.Poll, "Monitor interval between analysis passes")
	runCmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", def.ShutdownGrace, "Grace period for background tasks at shutdown")

	// Publication
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics, /status and /health on this address")
	runCmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Publish analysis status to Redis at this address")
	runCmd.Flags().StringVar(&traceLevel, "trace-level", string(trace.TraceLevelNone), "Run trace verbosity (none, events)")

	// Attach subcommands to `root`
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(devicesCmd)
}
