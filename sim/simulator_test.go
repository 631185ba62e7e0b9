package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a test entity that logs the clock at every event and
// optionally schedules follow-ups.
type recorder struct {
	name     string
	at       []int64
	tags     []Tag
	onEvent  func(sim *Simulator, ev *EntityEvent)
	started  bool
	shutdown bool
}

func (r *recorder) Name() string { return r.name }
func (r *recorder) StartEntity(*Simulator) {
	r.started = true
}
func (r *recorder) ProcessEvent(sim *Simulator, ev *EntityEvent) {
	r.at = append(r.at, sim.Now())
	r.tags = append(r.tags, ev.Tag)
	if r.onEvent != nil {
		r.onEvent(sim, ev)
	}
}
func (r *recorder) ShutdownEntity(*Simulator) { r.shutdown = true }

func testRoster() []Device {
	return DefaultRoster()[:3]
}

func TestSimulator_EventsRunInTimestampOrder(t *testing.T) {
	// GIVEN events scheduled out of order
	s := NewSimulator(1000, testRoster())
	r := &recorder{name: "r"}
	s.AddEntity(r)
	s.ScheduleAt(r, 300, 3)
	s.ScheduleAt(r, 100, 1)
	s.ScheduleAt(r, 200, 2)

	// WHEN the simulation runs
	require.NoError(t, s.Run(context.Background()))

	// THEN they execute in timestamp order and the clock ends at the horizon
	assert.Equal(t, []int64{100, 200, 300}, r.at)
	assert.Equal(t, []Tag{1, 2, 3}, r.tags)
	assert.Equal(t, int64(1000), s.Now())
	assert.True(t, r.started)
	assert.True(t, r.shutdown)
}

func TestSimulator_SameTimestamp_SchedulingOrderWins(t *testing.T) {
	s := NewSimulator(1000, testRoster())
	r := &recorder{name: "r"}
	for tag := Tag(1); tag <= 5; tag++ {
		s.ScheduleAt(r, 50, tag)
	}
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []Tag{1, 2, 3, 4, 5}, r.tags)
}

func TestSimulator_EventsBeyondHorizonNeverRun(t *testing.T) {
	s := NewSimulator(500, testRoster())
	r := &recorder{name: "r"}
	s.ScheduleAt(r, 500, 1)
	s.ScheduleAt(r, 501, 2)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []Tag{1}, r.tags, "event at the horizon runs, event after it does not")
	assert.Equal(t, 1, s.EventQueue.Len())
}

func TestSimulator_ScheduleInPast_ClampedToClock(t *testing.T) {
	s := NewSimulator(1000, testRoster())
	r := &recorder{name: "r"}
	r.onEvent = func(sim *Simulator, ev *EntityEvent) {
		if ev.Tag == 1 {
			sim.ScheduleAt(r, 10, 2)
		}
	}
	s.ScheduleAt(r, 100, 1)
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []int64{100, 100}, r.at)
}

func TestSimulator_CancelledContext_StopsRun(t *testing.T) {
	s := NewSimulator(10_000, testRoster())
	s.Speed = 1.0
	r := &recorder{name: "r"}
	s.AddEntity(r)
	s.ScheduleAt(r, 5_000, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Run(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, r.at)
	assert.True(t, r.shutdown, "entities are shut down even on cancellation")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSimulator_Pacing_TracksWallClock(t *testing.T) {
	// GIVEN a 100ms horizon at 2x speed
	s := NewSimulator(100, testRoster())
	s.Speed = 2.0

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))

	// THEN the run takes at least ~50ms of wall time
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestSimulator_RunTwice_Panics(t *testing.T) {
	s := NewSimulator(10, testRoster())
	require.NoError(t, s.Run(context.Background()))
	assert.Panics(t, func() { _ = s.Run(context.Background()) })
}

func TestNewSimulator_InvalidRoster_Panics(t *testing.T) {
	dup := []Device{DefaultRoster()[0], DefaultRoster()[0]}
	assert.Panics(t, func() { NewSimulator(10, dup) })
	assert.Panics(t, func() { NewSimulator(0, testRoster()) })
	assert.Panics(t, func() { NewSimulator(10, []Device{{Name: "x", Class: "toaster", RAMMB: 1}}) })
}

func TestSimulator_Inspect(t *testing.T) {
	s := NewSimulator(10, testRoster())

	// GIVEN no reported state, Inspect exposes static facts only
	st, err := s.Inspect("cloud")
	require.NoError(t, err)
	assert.Equal(t, DeviceState{Workloads: 2, MemTotalMB: 40000}, st)

	// WHEN a host model reports state
	require.NoError(t, s.SetDeviceState("cloud", DeviceState{Workloads: 5, ComputeShare: 0.5}))
	st, err = s.Inspect("cloud")
	require.NoError(t, err)
	assert.Equal(t, 5, st.Workloads)
	assert.Equal(t, 40000, st.MemTotalMB, "missing total is filled from the roster")

	_, err = s.Inspect("nope")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.ErrorIs(t, s.SetDeviceState("nope", DeviceState{}), ErrUnknownDevice)
}

func TestLoadReporter_ReportsEveryInterval(t *testing.T) {
	s := NewSimulator(5_000, testRoster())
	lr := NewLoadReporter(1_000, NewPartitionedRNG(NewSimulationKey(7)))
	s.AddEntity(lr)
	require.NoError(t, s.Run(context.Background()))

	// reports at 0,1000,...,5000
	assert.Equal(t, 6, lr.Reports())
	for _, d := range testRoster() {
		st, err := s.Inspect(d.Name)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, st.Workloads, 0)
		assert.LessOrEqual(t, st.Workloads, d.Workloads+1)
	}
}

func TestClassFromName(t *testing.T) {
	tests := []struct {
		name string
		want DeviceClass
	}{
		{"cam-1", ClassEdgeCapture},
		{"fog-0", ClassAggregation},
		{"cloud", ClassCloudTier},
		{"soil-sensor-node", ClassSensorNode},
		{"irrigation-controller", ClassControllerNode},
		{"signal-monitor", ClassMonitorNode},
		{"gateway", ClassOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassFromName(tt.name), tt.name)
	}
}

func TestDevice_Validate(t *testing.T) {
	for _, d := range DefaultRoster() {
		assert.NoError(t, d.Validate(), d.Name)
	}
	bad := DefaultRoster()[0]
	bad.Name = "a,b"
	assert.Error(t, bad.Validate())
	bad = DefaultRoster()[0]
	bad.Power = PowerEnvelope{IdleW: 5, BusyW: 1}
	assert.Error(t, bad.Validate())
}
