// sim/simulator.go
package sim

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// EventQueue implements heap.Interface and orders events by timestamp,
// then by EventID so that same-time events run in scheduling order.
// See canonical Golang example here: https://pkg.go.dev/container/heap#example-package-IntHeap
type EventQueue []Event

func (eq EventQueue) Len() int { return len(eq) }
func (eq EventQueue) Less(i, j int) bool {
	if eq[i].Timestamp() != eq[j].Timestamp() {
		return eq[i].Timestamp() < eq[j].Timestamp()
	}
	return eq[i].EventID() < eq[j].EventID()
}
func (eq EventQueue) Swap(i, j int) { eq[i], eq[j] = eq[j], eq[i] }

func (eq *EventQueue) Push(x any) {
	*eq = append(*eq, x.(Event))
}

func (eq *EventQueue) Pop() any {
	old := *eq
	n := len(old)
	item := old[n-1]
	*eq = old[0 : n-1]
	return item
}

// Clock reads the simulated time domain.
type Clock interface {
	Now() int64
}

// Simulator is the host event loop: it owns simulated time (in ms), the
// declared termination time, the device roster and the registered entities.
//
// Thread-safety: NOT thread-safe. Everything except Run's pacing sleeps
// happens on the goroutine that calls Run.
type Simulator struct {
	Clock int64
	// Horizon is the declared termination time; events scheduled after it never run.
	Horizon int64
	// Speed maps simulated to wall time: 1.0 is real time, 2.0 twice as fast.
	// Zero or negative runs as fast as possible.
	Speed float64

	EventQueue EventQueue
	entities   []Entity
	devices    []Device
	states     map[string]DeviceState
	nextID     uint64
	hasRun     bool
	Processed  int
}

// NewSimulator creates a Simulator for the given roster.
// Panics if the horizon is not positive or a device is invalid or duplicated.
func NewSimulator(horizon int64, devices []Device) *Simulator {
	if horizon <= 0 {
		panic(fmt.Sprintf("NewSimulator: horizon must be positive, got %d", horizon))
	}
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if err := d.Validate(); err != nil {
			panic(fmt.Sprintf("NewSimulator: %v", err))
		}
		if seen[d.Name] {
			panic(fmt.Sprintf("NewSimulator: duplicate device %q", d.Name))
		}
		seen[d.Name] = true
	}
	roster := make([]Device, len(devices))
	copy(roster, devices)
	return &Simulator{
		Horizon:    horizon,
		EventQueue: make(EventQueue, 0),
		devices:    roster,
		states:     make(map[string]DeviceState),
	}
}

// Now returns the current simulated time in ms.
func (sim *Simulator) Now() int64 {
	return sim.Clock
}

// Termination returns the declared termination time in ms.
func (sim *Simulator) Termination() int64 {
	return sim.Horizon
}

// Devices returns a copy of the roster.
func (sim *Simulator) Devices() []Device {
	out := make([]Device, len(sim.devices))
	copy(out, sim.devices)
	return out
}

// AddEntity registers an entity; it is started when Run begins.
// Panics if called after Run.
func (sim *Simulator) AddEntity(e Entity) {
	if sim.hasRun {
		panic("Simulator.AddEntity() called after Run()")
	}
	sim.entities = append(sim.entities, e)
}

// Schedule pushes an event into the simulator's EventQueue.
func (sim *Simulator) Schedule(ev Event) {
	heap.Push(&sim.EventQueue, ev)
}

// ScheduleAt registers a tagged callback for entity e at simulated time t.
// Times in the past are clamped to the current clock.
func (sim *Simulator) ScheduleAt(e Entity, t int64, tag Tag) {
	if t < sim.Clock {
		logrus.Warnf("%s: event tag=%d scheduled in the past (%d < %d ms), clamping", e.Name(), tag, t, sim.Clock)
		t = sim.Clock
	}
	sim.nextID++
	sim.Schedule(&EntityEvent{time: t, id: sim.nextID, Target: e, Tag: tag})
}

// PeekNextEventTime returns the timestamp of the earliest pending event,
// or math.MaxInt64 when the queue is empty.
func (sim *Simulator) PeekNextEventTime() int64 {
	if len(sim.EventQueue) == 0 {
		return math.MaxInt64
	}
	return sim.EventQueue[0].Timestamp()
}

// Run starts all entities and dispatches events in timestamp order until the
// queue drains, the next event lies beyond the horizon, or ctx is cancelled.
// On normal termination the clock is advanced to the horizon, as if the run
// had reached its declared end. Entities are shut down before Run returns.
// Panics if called more than once.
func (sim *Simulator) Run(ctx context.Context) error {
	if sim.hasRun {
		panic("Simulator.Run() called more than once")
	}
	sim.hasRun = true

	for _, e := range sim.entities {
		logrus.Debugf("%s is starting...", e.Name())
		e.StartEntity(sim)
	}

	wallStart := time.Now()
	var err error
	for len(sim.EventQueue) > 0 {
		if sim.PeekNextEventTime() > sim.Horizon {
			break
		}
		ev := heap.Pop(&sim.EventQueue).(Event)
		if err = sim.pace(ctx, wallStart, ev.Timestamp()); err != nil {
			break
		}
		sim.Clock = ev.Timestamp()
		logrus.Tracef("[%07d ms] Executing %T", sim.Clock, ev)
		ev.Execute(sim)
		sim.Processed++
	}
	if err == nil {
		if err = sim.pace(ctx, wallStart, sim.Horizon); err == nil {
			sim.Clock = sim.Horizon
		}
	}

	for _, e := range sim.entities {
		e.ShutdownEntity(sim)
	}
	logrus.Infof("[%07d ms] Simulation ended after %d events", sim.Clock, sim.Processed)
	return err
}

// pace blocks until wall time catches up with simulated time t under Speed.
func (sim *Simulator) pace(ctx context.Context, wallStart time.Time, t int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sim.Speed <= 0 {
		return nil
	}
	due := wallStart.Add(time.Duration(float64(t) / sim.Speed * float64(time.Millisecond)))
	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetDeviceState records the runtime state of a roster device, as observed by a host-side model.
func (sim *Simulator) SetDeviceState(name string, st DeviceState) error {
	if _, ok := sim.device(name); !ok {
		return fmt.Errorf("set state of %q: %w", name, ErrUnknownDevice)
	}
	sim.states[name] = st
	return nil
}

// Inspect implements Introspector. Devices without a reported state expose
// their static workload count and memory size only.
func (sim *Simulator) Inspect(name string) (DeviceState, error) {
	d, ok := sim.device(name)
	if !ok {
		return DeviceState{}, fmt.Errorf("inspect %q: %w", name, ErrUnknownDevice)
	}
	if st, ok := sim.states[name]; ok {
		if st.MemTotalMB == 0 {
			st.MemTotalMB = d.RAMMB
		}
		return st, nil
	}
	return DeviceState{Workloads: d.Workloads, MemTotalMB: d.RAMMB}, nil
}

func (sim *Simulator) device(name string) (Device, bool) {
	for _, d := range sim.devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}
