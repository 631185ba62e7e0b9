package orchestrator

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fogwatch/fogwatch/sim"
	"github.com/fogwatch/fogwatch/sim/analysis"
	"github.com/fogwatch/fogwatch/sim/internal/workerpool"
	"github.com/fogwatch/fogwatch/sim/monitor"
	"github.com/fogwatch/fogwatch/sim/sampler"
	"github.com/fogwatch/fogwatch/sim/telemetry"
	"github.com/fogwatch/fogwatch/sim/trace"
)

const (
	DefaultHorizonMs     = 60_000
	DefaultShutdownGrace = 5 * time.Second
	DefaultLoadInterval  = 1000
)

// Default project layout, relative to the project root.
var (
	DefaultLogPath   = filepath.Join("data", "inputs", "edge_metrics.csv")
	DefaultOutputDir = filepath.Join("data", "outputs")
)

// Config describes one monitored run.
type Config struct {
	Devices   []sim.Device
	HorizonMs int64
	Seed      int64
	// Speed maps simulated to wall time; see sim.Simulator.Speed.
	Speed float64
	// LoadIntervalMs enables the host-side load reporter; zero disables it.
	LoadIntervalMs int64

	Sampler sampler.Config
	Monitor monitor.Config

	LogPath         string
	FallbackLogPath string
	OutputDir       string
	// ProjectRoot is the working directory of external commands.
	ProjectRoot string

	// External is the argv of the external analysis pipeline; empty runs the baseline only.
	External         []string
	ExternalRequires string
	// FinalCommand runs once at the end of the final pass.
	FinalCommand         []string
	FinalCommandRequires string
	PeriodicTimeout      time.Duration
	FinalTimeout         time.Duration

	PoolSize      int
	ShutdownGrace time.Duration

	// MetricsAddr enables the HTTP exporter.
	MetricsAddr string
	// RedisAddr enables status publishing to Redis.
	RedisAddr  string
	TraceLevel string
}

// DefaultConfig returns the smart-farm run: the default roster for one
// simulated minute, sampled every 100 ms, analyzed by the baseline only.
func DefaultConfig() Config {
	return Config{
		Devices:         sim.DefaultRoster(),
		HorizonMs:       DefaultHorizonMs,
		Seed:            42,
		Speed:           1.0,
		LoadIntervalMs:  DefaultLoadInterval,
		Sampler:         sampler.DefaultConfig(),
		Monitor:         monitor.DefaultConfig(),
		LogPath:         DefaultLogPath,
		FallbackLogPath: telemetry.DefaultFallbackPath,
		OutputDir:       DefaultOutputDir,
		ProjectRoot:     ".",
		PeriodicTimeout: analysis.DefaultPeriodicTimeout,
		FinalTimeout:    analysis.DefaultFinalTimeout,
		PoolSize:        workerpool.MinWorkers,
		ShutdownGrace:   DefaultShutdownGrace,
		TraceLevel:      string(trace.TraceLevelNone),
	}
}

// Validate returns an error describing every invalid field.
func (c Config) Validate() error {
	var errs []error
	if len(c.Devices) == 0 {
		errs = append(errs, errors.New("at least one device is required"))
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("duplicate device %q", d.Name))
		}
		seen[d.Name] = true
	}
	if c.HorizonMs <= 0 {
		errs = append(errs, fmt.Errorf("horizon must be positive, got %d ms", c.HorizonMs))
	}
	if c.LoadIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("load interval must be non-negative, got %d ms", c.LoadIntervalMs))
	}
	if err := c.Sampler.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Monitor.Warmup < 0 || c.Monitor.Poll <= 0 {
		errs = append(errs, fmt.Errorf("monitor warm-up must be non-negative and poll positive, got %v and %v",
			c.Monitor.Warmup, c.Monitor.Poll))
	}
	if c.Monitor.MinRows < 0 {
		errs = append(errs, fmt.Errorf("monitor min rows must be non-negative, got %d", c.Monitor.MinRows))
	}
	if c.LogPath == "" {
		errs = append(errs, errors.New("telemetry log path is required"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if c.PeriodicTimeout < 0 || c.FinalTimeout < 0 {
		errs = append(errs, errors.New("pipeline timeouts must be non-negative"))
	}
	if c.PoolSize < workerpool.MinWorkers {
		errs = append(errs, fmt.Errorf("pool size must be >= %d, got %d", workerpool.MinWorkers, c.PoolSize))
	}
	if c.ShutdownGrace <= 0 {
		errs = append(errs, fmt.Errorf("shutdown grace must be positive, got %v", c.ShutdownGrace))
	}
	if !trace.IsValidTraceLevel(c.TraceLevel) {
		errs = append(errs, fmt.Errorf("unknown trace level %q", c.TraceLevel))
	}
	return errors.Join(errs...)
}
