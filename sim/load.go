package sim

import "math/rand"

// LoadTag is the event tag used by LoadReporter.
const LoadTag Tag = 2001

// LoadReporter is a host-side model that periodically varies the number of
// active workloads on each device and reports it through SetDeviceState.
// Memory, compute share and power stay unmodeled so that telemetry
// synthesis fills them in.
type LoadReporter struct {
	IntervalMs int64
	rng        *rand.Rand
	reports    int
}

// NewLoadReporter creates a LoadReporter drawing from the SubsystemLoad stream.
func NewLoadReporter(intervalMs int64, rng *PartitionedRNG) *LoadReporter {
	if intervalMs <= 0 {
		intervalMs = 1000
	}
	return &LoadReporter{IntervalMs: intervalMs, rng: rng.ForSubsystem(SubsystemLoad)}
}

// Name implements Entity.
func (l *LoadReporter) Name() string { return "load-reporter" }

// StartEntity implements Entity.
func (l *LoadReporter) StartEntity(sim *Simulator) {
	sim.ScheduleAt(l, 0, LoadTag)
}

// ProcessEvent implements Entity.
func (l *LoadReporter) ProcessEvent(sim *Simulator, ev *EntityEvent) {
	if ev.Tag != LoadTag {
		return
	}
	for _, d := range sim.devices {
		n := d.Workloads + l.rng.Intn(3) - 1
		if n < 0 {
			n = 0
		}
		_ = sim.SetDeviceState(d.Name, DeviceState{Workloads: n, MemTotalMB: d.RAMMB})
	}
	l.reports++
	if next := sim.Clock + l.IntervalMs; next <= sim.Horizon {
		sim.ScheduleAt(l, next, LoadTag)
	}
}

// ShutdownEntity implements Entity.
func (l *LoadReporter) ShutdownEntity(*Simulator) {}

// Reports returns how many load reports have been issued.
func (l *LoadReporter) Reports() int { return l.reports }
