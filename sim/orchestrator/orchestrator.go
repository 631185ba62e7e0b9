// Package orchestrator owns the lifecycle of one monitored simulation run.
//
// Start opens the telemetry log, registers the sampler with the host
// simulation and submits the background monitor (and the exporter, when
// configured) to the worker pool. Shutdown runs exactly once, after the
// simulation has ended: it stops the monitor, forces one last sample, runs the
// final analysis pass and then shuts the pool down with a bounded grace period.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fogwatch/fogwatch/sim"
	"github.com/fogwatch/fogwatch/sim/analysis"
	"github.com/fogwatch/fogwatch/sim/exporter"
	"github.com/fogwatch/fogwatch/sim/internal/workerpool"
	"github.com/fogwatch/fogwatch/sim/monitor"
	"github.com/fogwatch/fogwatch/sim/sampler"
	"github.com/fogwatch/fogwatch/sim/telemetry"
	"github.com/fogwatch/fogwatch/sim/trace"
)

// Orchestrator runs the sampler on the simulated clock and the monitor on the
// wall clock, and ties the monitor's lifetime to the simulation's.
type Orchestrator struct {
	cfg Config

	host    *sim.Simulator
	sink    *telemetry.Sink
	sampler *sampler.Sampler
	runner  *analysis.Runner
	monitor *monitor.Monitor
	pool    *workerpool.Pool
	metrics *exporter.Metrics
	pub     exporter.StatusPublisher
	trace   *trace.RunTrace
	loads   *sim.LoadReporter

	stop        chan struct{}
	stopServing context.CancelFunc

	started      bool
	shutdownOnce sync.Once
	result       *Result
}

// Result summarizes a finished run.
type Result struct {
	LogPath       string
	Rows          int
	Firings       int
	MonitorPasses int
	Alerts        int
	Final         analysis.Pass
	// PoolForced reports whether background tasks had to be cancelled after the grace period.
	PoolForced bool
	SimEndMs   int64
	Trace      *trace.TraceSummary
}

// New creates an Orchestrator. Panics if cfg is invalid.
func New(cfg Config) *Orchestrator {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("orchestrator.New: %v", err))
	}
	return &Orchestrator{cfg: cfg, stop: make(chan struct{})}
}

// Simulator returns the host simulation, available after Start.
func (o *Orchestrator) Simulator() *sim.Simulator { return o.host }

// Sampler returns the telemetry sampler, available after Start.
func (o *Orchestrator) Sampler() *sampler.Sampler { return o.sampler }

// Runner returns the analysis runner, available after Start.
func (o *Orchestrator) Runner() *analysis.Runner { return o.runner }

// Metrics returns the exporter metrics, or nil when the exporter is disabled.
func (o *Orchestrator) Metrics() *exporter.Metrics { return o.metrics }

// Start prepares the run: directories, telemetry log, simulation entities,
// analysis runner and background tasks. ctx bounds the background tasks.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.started {
		return errors.New("orchestrator already started")
	}
	o.started = true
	cfg := o.cfg

	if err := bootstrapDirs(cfg.LogPath, cfg.OutputDir); err != nil {
		logrus.Warnf("Directory setup: %v", err)
	}
	sink, err := telemetry.OpenSink(cfg.LogPath, cfg.FallbackLogPath)
	if err != nil {
		return err
	}
	o.sink = sink

	o.trace = trace.NewRunTrace(trace.TraceLevel(cfg.TraceLevel))
	o.host = sim.NewSimulator(cfg.HorizonMs, cfg.Devices)
	o.host.Speed = cfg.Speed
	rng := sim.NewPartitionedRNG(sim.NewSimulationKey(cfg.Seed))
	if cfg.LoadIntervalMs > 0 {
		o.loads = sim.NewLoadReporter(cfg.LoadIntervalMs, rng)
		o.host.AddEntity(o.loads)
	}

	source := telemetry.NewSynthesizer(cfg.Sampler.IntervalMs, o.host)
	o.sampler = sampler.New(cfg.Sampler, source, sink, rng)
	o.sampler.Trace = o.trace
	o.host.AddEntity(o.sampler)

	o.runner = analysis.NewRunner(analysis.Config{
		LogPath:         sink.Path(),
		OutputDir:       cfg.OutputDir,
		Devices:         deviceNames(cfg.Devices),
		PeriodicTimeout: cfg.PeriodicTimeout,
		FinalTimeout:    cfg.FinalTimeout,
	}, o.externalPipeline())
	o.runner.Trace = o.trace
	if len(cfg.FinalCommand) > 0 {
		o.runner.FinalHook = &analysis.Command{
			Name:     "final-command",
			Argv:     cfg.FinalCommand,
			Dir:      cfg.ProjectRoot,
			Requires: cfg.FinalCommandRequires,
		}
	}

	poolSize := cfg.PoolSize
	if cfg.MetricsAddr != "" {
		poolSize++
	}
	o.pool = workerpool.New(ctx, poolSize)

	if cfg.MetricsAddr != "" {
		o.metrics = exporter.NewMetrics(nil)
		o.metrics.TrackSampler(o.sampler.Firings, o.sampler.Rows)
		o.metrics.TrackPool(o.pool.Running)
		o.runner.AddObserver(o.metrics)
	}
	if cfg.RedisAddr != "" {
		pub, err := exporter.NewRedisPublisher(cfg.RedisAddr)
		if err != nil {
			logrus.Warnf("Status publishing disabled: %v", err)
		} else {
			o.pub = pub
			o.runner.AddObserver(exporter.Forwarder{Pub: pub})
		}
	}

	o.monitor = monitor.New(cfg.Monitor, o.runner, nil)
	if err := o.pool.Submit("monitor", func(ctx context.Context) error {
		return o.monitor.Run(ctx, o.stop)
	}); err != nil {
		return err
	}
	if o.metrics != nil {
		serving, stopServing := context.WithCancel(context.Background())
		o.stopServing = stopServing
		server := exporter.NewServer(cfg.MetricsAddr, o.metrics)
		if err := o.pool.Submit("exporter", func(ctx context.Context) error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			defer context.AfterFunc(serving, cancel)()
			return server.Run(sctx)
		}); err != nil {
			return err
		}
	}

	logrus.Infof("Orchestrator started: %d devices, horizon %d ms, log %s, outputs %s",
		len(cfg.Devices), cfg.HorizonMs, sink.Path(), cfg.OutputDir)
	return nil
}

func (o *Orchestrator) externalPipeline() analysis.Pipeline {
	if len(o.cfg.External) == 0 {
		return nil
	}
	return analysis.NewExternalPipeline(o.cfg.External, o.cfg.ProjectRoot, o.cfg.ExternalRequires)
}

// Run starts the orchestrator, runs the simulation to its declared end (or
// until ctx is cancelled) and shuts down. The final analysis pass is
// attempted even when ctx has been cancelled.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	if err := o.Start(ctx); err != nil {
		o.drain()
		return nil, err
	}
	logrus.Infof("Starting simulation...")
	simErr := o.host.Run(ctx)
	if simErr != nil {
		logrus.Warnf("Simulation interrupted at %d ms: %v", o.host.Now(), simErr)
	}
	res := o.Shutdown(context.WithoutCancel(ctx))
	return res, simErr
}

// Shutdown stops the monitor, forces a final sample, runs the final analysis
// pass and shuts the worker pool down. It runs once; later calls return the
// first call's result. Every step is attempted even if an earlier one fails.
// Must not run concurrently with the simulation loop.
func (o *Orchestrator) Shutdown(ctx context.Context) *Result {
	o.shutdownOnce.Do(func() {
		o.result = o.shutdown(ctx)
	})
	return o.result
}

func (o *Orchestrator) shutdown(ctx context.Context) *Result {
	logrus.Info("=== Shutting down monitoring ===")
	close(o.stop)

	if err := o.sampler.ForceSample(); err != nil {
		logrus.Warnf("Final sample: %v", err)
	}

	logrus.Info("Running final analysis pass...")
	final := o.runner.Run(ctx, 0, true)
	if final.Outcome != analysis.Completed {
		logrus.Warnf("Final analysis pass did not complete: %s %s %v", final.Outcome, final.Reason, final.Err)
	}

	if o.stopServing != nil {
		o.stopServing()
	}
	forced, err := o.pool.Shutdown(o.cfg.ShutdownGrace)
	if err != nil {
		logrus.Warnf("Worker pool shutdown: %v", err)
	}

	if err := o.sink.Close(); err != nil {
		logrus.Warnf("Closing telemetry log: %v", err)
	}
	if o.pub != nil {
		if err := o.pub.Close(); err != nil {
			logrus.Warnf("Closing status publisher: %v", err)
		}
	}

	res := &Result{
		LogPath:       o.sink.Path(),
		Rows:          o.sink.RowCount(),
		Firings:       o.sampler.Firings(),
		MonitorPasses: o.monitor.Iterations(),
		Alerts:        o.monitor.Alerts(),
		Final:         final,
		PoolForced:    forced,
		SimEndMs:      o.host.Now(),
		Trace:         trace.Summarize(o.trace),
	}
	logrus.Infof("Monitoring shut down: %d rows in %s, %d monitor passes, final pass %s",
		res.Rows, res.LogPath, res.MonitorPasses, final.Outcome)
	return res
}

// bootstrapDirs creates the telemetry log's directory and the output directory.
func bootstrapDirs(logPath, outputDir string) error {
	var errs []error
	for _, dir := range []string{filepath.Dir(logPath), outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			errs = append(errs, fmt.Errorf("creating %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}

func deviceNames(devices []sim.Device) []string {
	names := make([]string, len(devices))
	for i, d := range devices {
		names[i] = d.Name
	}
	return names
}

// drain is a grace-free shutdown used when Start fails half-way.
func (o *Orchestrator) drain() {
	if o.pool != nil {
		_, _ = o.pool.Shutdown(time.Millisecond)
	}
	if o.sink != nil {
		_ = o.sink.Close()
	}
	if o.pub != nil {
		_ = o.pub.Close()
	}
}
