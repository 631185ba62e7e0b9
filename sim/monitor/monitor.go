// Package monitor runs periodic analysis passes on the wall clock while the
// simulation runs, and reports what they find.
package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fogwatch/fogwatch/sim/analysis"
)

const (
	DefaultWarmup = 10 * time.Second
	DefaultPoll   = 15 * time.Second
)

// Analyzer runs analysis passes. *analysis.Runner implements it.
type Analyzer interface {
	Run(ctx context.Context, minRows int, final bool) analysis.Pass
	Paths() analysis.Paths
}

// Config holds the monitor's wall-clock cadence.
type Config struct {
	Warmup  time.Duration // before the first pass only
	Poll    time.Duration // between passes
	MinRows int
}

// DefaultConfig returns a 10 s warm-up, 15 s poll and 10 row threshold.
func DefaultConfig() Config {
	return Config{Warmup: DefaultWarmup, Poll: DefaultPoll, MinRows: analysis.DefaultMinRows}
}

// Monitor is the background analysis loop.
type Monitor struct {
	cfg      Config
	analyzer Analyzer
	clock    WallClock

	iterations   atomic.Int64
	alerts       atomic.Int64
	lastSeverity atomic.Value // analysis.Severity
}

// New creates a Monitor. A nil clock means RealClock.
func New(cfg Config, analyzer Analyzer, clock WallClock) *Monitor {
	if clock == nil {
		clock = RealClock()
	}
	return &Monitor{cfg: cfg, analyzer: analyzer, clock: clock}
}

// Iterations returns the number of passes the loop has run.
func (m *Monitor) Iterations() int { return int(m.iterations.Load()) }

// Alerts returns the number of passes that reported flagged anomalies.
func (m *Monitor) Alerts() int { return int(m.alerts.Load()) }

// LastSeverity returns the grade of the most recent alert, or SeverityNone.
func (m *Monitor) LastSeverity() analysis.Severity {
	if v, ok := m.lastSeverity.Load().(analysis.Severity); ok {
		return v
	}
	return analysis.SeverityNone
}

// Run loops until stop is closed or ctx is done. Closing stop lets an
// in-flight pass finish; cancelling ctx aborts it. Iteration failures are
// logged and never returned, so Run only returns nil.
func (m *Monitor) Run(ctx context.Context, stop <-chan struct{}) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	logrus.Infof("Monitor started: warm-up %v, poll every %v, min %d rows", m.cfg.Warmup, m.cfg.Poll, m.cfg.MinRows)
	defer func() {
		logrus.Infof("Monitor stopped after %d passes (%d alerts)", m.Iterations(), m.Alerts())
	}()

	if err := m.clock.Sleep(waitCtx, m.cfg.Warmup); err != nil {
		return nil
	}
	for waitCtx.Err() == nil {
		m.iterate(ctx)
		if err := m.clock.Sleep(waitCtx, m.cfg.Poll); err != nil {
			return nil
		}
	}
	return nil
}

func (m *Monitor) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Monitor: analysis iteration panicked: %v\n%s", r, debug.Stack())
		}
	}()
	m.iterations.Add(1)
	logrus.Infof("Real-time analysis pass #%d at %s", m.Iterations(), m.clock.Now().Format(time.TimeOnly))
	p := m.analyzer.Run(ctx, m.cfg.MinRows, false)
	if p.Outcome != analysis.Completed {
		return
	}
	if err := m.report(); err != nil {
		logrus.Warnf("Monitor: %v", err)
	}
}

// report reads the artifacts back and emits an alert or an all-clear.
func (m *Monitor) report() error {
	paths := m.analyzer.Paths()
	records, err := analysis.ReadAnomalies(paths.Anomalies)
	if err != nil {
		return fmt.Errorf("reading back anomaly records: %w", err)
	}
	s := analysis.Summarize(records, 0)
	if s.Flagged == 0 {
		logrus.Info("No anomalies detected - system operating normally")
		return nil
	}

	m.alerts.Add(1)
	sev := s.Severity()
	m.lastSeverity.Store(sev)
	logrus.WithFields(logrus.Fields{
		"flagged":   s.Flagged,
		"dominant":  s.Dominant,
		"records":   len(records),
		"max_score": s.MaxScore,
		"severity":  sev,
	}).Warnf("%s ANOMALY ALERT: %d anomalies detected, mostly %s", sev, s.Flagged, s.Dominant)

	report, err := analysis.ReadReport(paths.Report)
	if err != nil {
		return fmt.Errorf("reading back anomaly report: %w", err)
	}
	logrus.Info("=== ANOMALY REPORT ===")
	for _, line := range strings.Split(strings.TrimRight(report, "\n"), "\n") {
		logrus.Info(line)
	}
	logrus.Info("======================")
	return nil
}
