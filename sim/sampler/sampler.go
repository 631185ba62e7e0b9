// Package sampler drives telemetry synthesis from the simulated clock.
//
// A Sampler is a sim.Entity. When the host simulation starts it pre-registers
// a batch of firings; each firing asks its telemetry.Source for one record per
// device and appends them to the log in a single batch. Only the latest
// scheduled firing extends the schedule, so firing times never repeat.
package sampler

import (
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/fogwatch/fogwatch/sim"
	"github.com/fogwatch/fogwatch/sim/telemetry"
	"github.com/fogwatch/fogwatch/sim/trace"
)

// FireTag is the event tag of a sampler firing.
const FireTag sim.Tag = 1001

const (
	DefaultIntervalMs   = 100
	DefaultFirstDelayMs = 10
	DefaultPrefetch     = 100
	DefaultStopMarginMs = 2000

	progressEvery = 50
)

// ErrNotStarted is returned by ForceSample before the host simulation has started the sampler.
var ErrNotStarted = errors.New("sampler not started")

// State is the sampler's lifecycle state.
type State int32

const (
	Idle State = iota
	Scheduled
	Firing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Firing:
		return "firing"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds the sampling schedule, in simulated ms.
type Config struct {
	IntervalMs   int64
	FirstDelayMs int64 // the near-immediate first firing
	Prefetch     int   // firings registered up front at k*IntervalMs
	StopMarginMs int64 // no firing is scheduled at or after termination - margin
}

// DefaultConfig returns the 100 ms schedule with a 2 s stop margin.
func DefaultConfig() Config {
	return Config{
		IntervalMs:   DefaultIntervalMs,
		FirstDelayMs: DefaultFirstDelayMs,
		Prefetch:     DefaultPrefetch,
		StopMarginMs: DefaultStopMarginMs,
	}
}

// Validate checks the schedule.
func (c Config) Validate() error {
	if c.IntervalMs <= 0 {
		return fmt.Errorf("sampling interval must be positive, got %d ms", c.IntervalMs)
	}
	if c.FirstDelayMs < 0 {
		return fmt.Errorf("first sampling delay must be non-negative, got %d ms", c.FirstDelayMs)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("prefetch must be non-negative, got %d", c.Prefetch)
	}
	if c.StopMarginMs < 0 {
		return fmt.Errorf("stop margin must be non-negative, got %d ms", c.StopMarginMs)
	}
	return nil
}

// Appender receives one batch of records per firing. *telemetry.Sink implements it.
type Appender interface {
	Append(records []telemetry.Record) error
}

// Sampler is the simulated-clock telemetry sampling entity.
//
// Firings run on the simulation goroutine. State, Firings and Rows may be
// read from any goroutine.
type Sampler struct {
	cfg    Config
	source telemetry.Source
	out    Appender
	rng    *rand.Rand

	// Trace, when non-nil, receives one record per firing.
	Trace *trace.RunTrace

	sim       *sim.Simulator
	devices   []sim.Device
	tail      int64 // latest scheduled firing
	lastFired int64

	state   atomic.Int32
	firings atomic.Int64
	rows    atomic.Int64
}

// New creates a Sampler drawing from the telemetry RNG stream.
// Panics if cfg is invalid.
func New(cfg Config, source telemetry.Source, out Appender, rng *sim.PartitionedRNG) *Sampler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("sampler.New: %v", err))
	}
	return &Sampler{
		cfg:       cfg,
		source:    source,
		out:       out,
		rng:       rng.ForSubsystem(sim.SubsystemTelemetry),
		lastFired: -1,
	}
}

// Name implements sim.Entity.
func (s *Sampler) Name() string { return "telemetry-sampler" }

// State returns the current lifecycle state.
func (s *Sampler) State() State { return State(s.state.Load()) }

// Firings returns the number of firings so far, forced samples included.
func (s *Sampler) Firings() int { return int(s.firings.Load()) }

// Rows returns the number of records appended so far.
func (s *Sampler) Rows() int { return int(s.rows.Load()) }

// stopAt is the first simulated time at which no firing may be scheduled.
func (s *Sampler) stopAt(host *sim.Simulator) int64 {
	return host.Termination() - s.cfg.StopMarginMs
}

// StartEntity implements sim.Entity. It registers the first firing and the
// prefetched batch; firings at or past the stop point are never registered.
func (s *Sampler) StartEntity(host *sim.Simulator) {
	s.sim = host
	s.devices = host.Devices()
	stop := s.stopAt(host)
	s.tail = -1

	first := host.Now() + s.cfg.FirstDelayMs
	if first < stop {
		host.ScheduleAt(s, first, FireTag)
		s.tail = first
	}
	for k := 1; k <= s.cfg.Prefetch; k++ {
		t := int64(k) * s.cfg.IntervalMs
		if t <= s.tail {
			continue
		}
		if t >= stop {
			break
		}
		host.ScheduleAt(s, t, FireTag)
		s.tail = t
	}

	if s.tail < 0 {
		logrus.Warnf("Sampler: termination at %d ms leaves no room before the %d ms stop margin; no samples scheduled",
			host.Termination(), s.cfg.StopMarginMs)
		s.state.Store(int32(Stopped))
		return
	}
	s.state.Store(int32(Scheduled))
	logrus.Infof("Sampler started: %d devices, every %d ms, scheduled through %d ms (stop at %d ms)",
		len(s.devices), s.cfg.IntervalMs, s.tail, stop)
}

// ProcessEvent implements sim.Entity.
func (s *Sampler) ProcessEvent(host *sim.Simulator, ev *sim.EntityEvent) {
	if ev.Tag != FireTag {
		return
	}
	now := host.Now()
	s.state.Store(int32(Firing))
	s.fire(now, false)

	if now < s.tail {
		s.state.Store(int32(Scheduled))
		return
	}
	if next := now + s.cfg.IntervalMs; next < s.stopAt(host) {
		host.ScheduleAt(s, next, FireTag)
		s.tail = next
		s.state.Store(int32(Scheduled))
		return
	}
	logrus.Infof("[%07d ms] Sampler: next sample would fall within %d ms of termination, not rescheduling",
		now, s.cfg.StopMarginMs)
	s.state.Store(int32(Stopped))
}

// ShutdownEntity implements sim.Entity.
func (s *Sampler) ShutdownEntity(host *sim.Simulator) {
	s.state.Store(int32(Stopped))
	logrus.Infof("Sampler stopped at %d ms: %d firings, %d rows (expected %d)",
		host.Now(), s.Firings(), s.Rows(), s.Firings()*len(s.devices))
}

// ForceSample takes one more sample at the current simulated time, in any
// state after start. If that time was already sampled it uses the next
// millisecond so the log stays strictly ordered per device.
// Must not run concurrently with the simulation loop.
func (s *Sampler) ForceSample() error {
	if s.sim == nil {
		return ErrNotStarted
	}
	now := max(s.sim.Now(), s.lastFired+1)
	if err := s.fire(now, true); err != nil {
		return err
	}
	logrus.Infof("[%07d ms] Sampler: forced final sample written", now)
	return nil
}

// fire samples every device at now and appends the batch.
func (s *Sampler) fire(now int64, forced bool) error {
	batch := make([]telemetry.Record, 0, len(s.devices))
	for _, d := range s.devices {
		batch = append(batch, s.source.Sample(d, now, s.rng))
	}
	n := s.firings.Add(1)
	err := s.out.Append(batch)
	if err != nil {
		logrus.WithFields(logrus.Fields{"clock_ms": now, "firing": n}).Warnf("Sampler: append failed: %v", err)
	} else {
		s.rows.Add(int64(len(batch)))
		s.lastFired = now
	}

	rows := len(batch)
	if err != nil {
		rows = 0
	}
	s.Trace.RecordFiring(trace.FiringRecord{Seq: int(n), Clock: now, Rows: rows, Forced: forced})

	if n%progressEvery == 0 {
		logrus.Infof("[%07d ms] Sampler: %d samples taken, %d rows logged", now, n, s.Rows())
	}
	return err
}
