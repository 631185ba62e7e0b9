package analysis

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fogwatch/fogwatch/sim/telemetry"
	"github.com/fogwatch/fogwatch/sim/trace"
)

const (
	// DefaultMinRows is the periodic pass precondition.
	DefaultMinRows = 10
	// DefaultPeriodicTimeout bounds the external pipeline of a periodic pass.
	DefaultPeriodicTimeout = 30 * time.Second
	// DefaultFinalTimeout bounds the external pipeline and hook of the final pass.
	DefaultFinalTimeout = 60 * time.Second
)

// ErrSuperseded is the cause given to a periodic pass preempted by the final pass.
var ErrSuperseded = errors.New("superseded by final analysis pass")

// Config configures a Runner.
type Config struct {
	LogPath   string
	OutputDir string
	// Devices is the roster analyzed by the baseline; empty means the devices seen in the log.
	Devices         []string
	PeriodicTimeout time.Duration
	FinalTimeout    time.Duration
}

// PassObserver is notified after every pass, on the goroutine that ran it.
type PassObserver interface {
	ObservePass(p Pass)
}

// Runner executes analysis passes. Passes may run from any goroutine.
//
// Once a final pass begins, periodic passes still in flight are cancelled
// and waited for, and later periodic passes are skipped, so no periodic pass
// can overwrite the final pass's artifacts.
type Runner struct {
	cfg   Config
	paths Paths

	Baseline Pipeline
	// External is optional; nil runs the baseline only.
	External Pipeline
	// FinalHook, when set, runs once at the end of every final pass; its
	// outcome is logged and never changes the pass.
	FinalHook *Command
	Trace     *trace.RunTrace

	mu           sync.Mutex
	observers    []PassObserver
	finalStarted bool
	inflight     map[uint64]context.CancelCauseFunc
	nextSlot     uint64
	wg           sync.WaitGroup

	writeMu sync.Mutex
	passes  atomic.Int64
}

// NewRunner creates a Runner with the in-process baseline and the given
// external pipeline (nil for none).
func NewRunner(cfg Config, external Pipeline) *Runner {
	if cfg.PeriodicTimeout <= 0 {
		cfg.PeriodicTimeout = DefaultPeriodicTimeout
	}
	if cfg.FinalTimeout <= 0 {
		cfg.FinalTimeout = DefaultFinalTimeout
	}
	return &Runner{
		cfg:      cfg,
		paths:    PathsIn(cfg.OutputDir),
		Baseline: NewBaselinePipeline(),
		External: external,
		inflight: make(map[uint64]context.CancelCauseFunc),
	}
}

// Paths returns where artifacts are written.
func (r *Runner) Paths() Paths { return r.paths }

// Passes returns the number of passes run so far.
func (r *Runner) Passes() int { return int(r.passes.Load()) }

// AddObserver registers o for every subsequent pass.
func (r *Runner) AddObserver(o PassObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Run executes one pass. Passes are skipped when the log is absent or holds
// fewer than minRows rows, and failed only for I/O errors; external pipeline
// problems degrade to the baseline. Run always returns.
func (r *Runner) Run(ctx context.Context, minRows int, final bool) Pass {
	p := Pass{ID: uuid.NewString(), Started: time.Now(), MinRows: minRows, Final: final}
	log := logrus.WithFields(logrus.Fields{"pass": p.ID[:8], "final": final})

	ctx, release, err := r.admit(ctx, final)
	if err != nil {
		p.Outcome, p.Reason = Skipped, err.Error()
		return r.finish(log, p)
	}
	defer release()

	r.execute(ctx, log, &p)
	return r.finish(log, p)
}

// admit registers a periodic pass so a final pass can preempt it, or, for a
// final pass, preempts and waits for every periodic pass in flight.
func (r *Runner) admit(ctx context.Context, final bool) (context.Context, func(), error) {
	r.mu.Lock()
	if final {
		r.finalStarted = true
		cancels := make([]context.CancelCauseFunc, 0, len(r.inflight))
		for _, c := range r.inflight {
			cancels = append(cancels, c)
		}
		r.mu.Unlock()
		for _, c := range cancels {
			c(ErrSuperseded)
		}
		if len(cancels) > 0 {
			logrus.Infof("Final analysis pass: waiting for %d preempted periodic pass(es)", len(cancels))
		}
		r.wg.Wait()
		return ctx, func() {}, nil
	}
	defer r.mu.Unlock()
	if r.finalStarted {
		return nil, nil, ErrSuperseded
	}
	cctx, cancel := context.WithCancelCause(ctx)
	r.nextSlot++
	slot := r.nextSlot
	r.inflight[slot] = cancel
	r.wg.Add(1)
	return cctx, func() {
		r.mu.Lock()
		delete(r.inflight, slot)
		r.mu.Unlock()
		cancel(nil)
		r.wg.Done()
	}, nil
}

func (r *Runner) execute(ctx context.Context, log *logrus.Entry, p *Pass) {
	snap, err := telemetry.Scan(r.cfg.LogPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		p.Outcome, p.Reason = Skipped, fmt.Sprintf("insufficient data: no telemetry log at %s", r.cfg.LogPath)
		return
	case err != nil:
		p.Outcome, p.Err = Failed, err
		return
	}
	p.Rows = snap.Rows
	log.Infof("analysis pass found %d rows in %s", snap.Rows, r.cfg.LogPath)
	if snap.Rows < p.MinRows {
		p.Outcome, p.Reason = Skipped, fmt.Sprintf("insufficient data: %d rows < %d", snap.Rows, p.MinRows)
		return
	}

	devices := r.cfg.Devices
	if len(devices) == 0 {
		devices = snap.Devices
	}
	in := Input{
		LogPath:   r.cfg.LogPath,
		OutputDir: r.paths.Dir,
		Rows:      snap.Rows,
		Devices:   devices,
		FirstMs:   snap.FirstTimeMs,
		Final:     p.Final,
	}

	res, err := r.Baseline.Analyze(ctx, in)
	if err != nil {
		p.Outcome, p.Err = Failed, fmt.Errorf("baseline pipeline: %w", err)
		return
	}
	if err := r.commit(p, res, SourceBaseline); err != nil {
		if errors.Is(err, ErrSuperseded) {
			p.Outcome, p.Reason = Skipped, err.Error()
			return
		}
		p.Outcome, p.Err = Failed, err
		return
	}
	p.Outcome = Completed

	timeout := r.cfg.PeriodicTimeout
	if p.Final {
		timeout = r.cfg.FinalTimeout
	}
	if r.External != nil {
		r.runExternal(ctx, log, p, in, timeout)
	}
	if p.Final && r.FinalHook != nil {
		hctx, cancel := context.WithTimeout(ctx, timeout)
		if err := r.FinalHook.Run(hctx); err != nil {
			log.Warnf("final hook %s: %v", r.FinalHook.Name, err)
		}
		cancel()
	}
}

func (r *Runner) runExternal(ctx context.Context, log *logrus.Entry, p *Pass, in Input, timeout time.Duration) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := r.External.Analyze(tctx, in)
	if err == nil {
		err = r.commit(p, res, SourceExternal)
	}
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrPipelineUnavailable):
		log.Infof("external pipeline unavailable, keeping baseline: %v", err)
	case errors.Is(context.Cause(ctx), ErrSuperseded):
		log.Infof("external pipeline stopped, %v", ErrSuperseded)
	default:
		log.Warnf("external pipeline degraded to baseline: %v", err)
	}
	p.Reason = err.Error()
	if errors.Is(err, ErrPipelineUnavailable) {
		return
	}
	// The subprocess may have left partial output in the artifact directory.
	if rerr := r.commit(p, p.Result, SourceBaseline); rerr != nil && !errors.Is(rerr, ErrSuperseded) {
		log.Errorf("restoring baseline artifacts: %v", rerr)
	}
}

// commit writes res as the current artifacts unless a periodic pass has been
// superseded by the final pass. p is updated only on success.
func (r *Runner) commit(p *Pass, res *Result, src Source) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if !p.Final {
		r.mu.Lock()
		superseded := r.finalStarted
		r.mu.Unlock()
		if superseded {
			return ErrSuperseded
		}
	}
	next := *p
	next.Source, next.Result = src, res
	if err := writeArtifacts(r.paths, next, time.Now()); err != nil {
		return err
	}
	*p = next
	return nil
}

func (r *Runner) finish(log *logrus.Entry, p Pass) Pass {
	p.Duration = time.Since(p.Started)
	r.passes.Add(1)

	switch p.Outcome {
	case Completed:
		s := p.Result.Summary
		log.Infof("analysis pass completed in %v: %d rows, %d/%d records flagged (source %s)",
			p.Duration.Round(time.Millisecond), p.Rows, s.Flagged, len(p.Result.Anomalies), p.Source)
	case Skipped:
		log.Infof("analysis pass skipped: %s", p.Reason)
	case Failed:
		log.Errorf("analysis pass failed: %v", p.Err)
	}

	rec := trace.PassRecord{
		PassID:   p.ID,
		Started:  p.Started,
		Duration: p.Duration,
		Outcome:  string(p.Outcome),
		Reason:   p.Reason,
		Rows:     p.Rows,
		Final:    p.Final,
		Source:   string(p.Source),
	}
	if p.Result != nil {
		rec.Flagged = p.Result.Summary.Flagged
	}
	r.Trace.RecordPass(rec)

	r.mu.Lock()
	observers := append([]PassObserver(nil), r.observers...)
	r.mu.Unlock()
	for _, o := range observers {
		o.ObservePass(p)
	}
	return p
}
