package sampler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogwatch/fogwatch/sim"
	"github.com/fogwatch/fogwatch/sim/telemetry"
	"github.com/fogwatch/fogwatch/sim/trace"
)

func threeDevices() []sim.Device {
	return sim.DefaultRoster()[:3]
}

type harness struct {
	host    *sim.Simulator
	sink    *telemetry.Sink
	sampler *Sampler
	trace   *trace.RunTrace
}

func newHarness(t *testing.T, horizon int64, cfg Config) *harness {
	t.Helper()
	sink, err := telemetry.OpenSink(filepath.Join(t.TempDir(), "edge_metrics.csv"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	host := sim.NewSimulator(horizon, threeDevices())
	rng := sim.NewPartitionedRNG(sim.NewSimulationKey(42))
	s := New(cfg, telemetry.NewSynthesizer(cfg.IntervalMs, host), sink, rng)
	s.Trace = trace.NewRunTrace(trace.TraceLevelEvents)
	host.AddEntity(s)
	return &harness{host: host, sink: sink, sampler: s, trace: s.Trace}
}

func TestSampler_SixtySecondRun_StopsBeforeMargin(t *testing.T) {
	// GIVEN 3 devices, a 60 s horizon and the default 100 ms schedule
	h := newHarness(t, 60_000, DefaultConfig())

	// WHEN the simulation runs to completion
	require.NoError(t, h.host.Run(context.Background()))

	// THEN 580 firings happened (10 ms, then 100..57900 ms) and the sampler stopped
	assert.Equal(t, 580, h.sampler.Firings())
	assert.Equal(t, 1740, h.sink.RowCount())
	assert.Equal(t, Stopped, h.sampler.State())

	sum := trace.Summarize(h.trace)
	assert.Equal(t, int64(10), sum.FirstFiringMs)
	assert.Equal(t, int64(57_900), sum.LastFiringMs)
	assert.Less(t, sum.LastFiringMs, int64(58_000))
}

func TestSampler_ForceSampleAfterStop_AppendsOneRowPerDevice(t *testing.T) {
	// GIVEN a completed 60 s run
	h := newHarness(t, 60_000, DefaultConfig())
	require.NoError(t, h.host.Run(context.Background()))
	before := h.sink.RowCount()

	// WHEN a final sample is forced
	require.NoError(t, h.sampler.ForceSample())

	// THEN exactly one more row per device is logged, at the termination time
	assert.Equal(t, before+3, h.sink.RowCount())
	recs, err := telemetry.ReadRecords(h.sink.Path())
	require.NoError(t, err)
	for _, r := range recs[len(recs)-3:] {
		assert.Equal(t, int64(60_000), r.TimeMs)
	}
	assert.Equal(t, 1, trace.Summarize(h.trace).ForcedFirings)
}

func TestSampler_LogIsStrictlyOrderedPerDevice(t *testing.T) {
	// GIVEN a full run plus two forced samples at the same simulated time
	h := newHarness(t, 60_000, DefaultConfig())
	require.NoError(t, h.host.Run(context.Background()))
	require.NoError(t, h.sampler.ForceSample())
	require.NoError(t, h.sampler.ForceSample())

	// WHEN the log is read back
	recs, err := telemetry.ReadRecords(h.sink.Path())
	require.NoError(t, err)

	// THEN no device ever repeats or goes back in time
	last := map[string]int64{}
	for _, r := range recs {
		if prev, ok := last[r.Device]; ok {
			require.Greater(t, r.TimeMs, prev, "device %s", r.Device)
		}
		last[r.Device] = r.TimeMs
	}
	assert.Len(t, recs, 1740+6)
}

func TestSampler_PrefetchCoversShortRun(t *testing.T) {
	// GIVEN a horizon whose stop point lies inside the prefetched batch
	h := newHarness(t, 5_000, DefaultConfig())

	require.NoError(t, h.host.Run(context.Background()))

	// THEN firings are 10 ms plus 100..2900 ms
	assert.Equal(t, 30, h.sampler.Firings())
	assert.Equal(t, int64(2_900), trace.Summarize(h.trace).LastFiringMs)
}

func TestSampler_HorizonInsideMargin_NothingScheduled(t *testing.T) {
	// GIVEN a run shorter than the stop margin
	h := newHarness(t, 1_500, DefaultConfig())

	require.NoError(t, h.host.Run(context.Background()))

	// THEN the sampler never fires but can still be forced
	assert.Equal(t, 0, h.sampler.Firings())
	assert.Equal(t, Stopped, h.sampler.State())
	require.NoError(t, h.sampler.ForceSample())
	assert.Equal(t, 3, h.sink.RowCount())
}

func TestSampler_FirstDelayCollidingWithInterval_NoDuplicateFiring(t *testing.T) {
	// GIVEN a first delay equal to the interval
	cfg := DefaultConfig()
	cfg.IntervalMs = 10
	cfg.Prefetch = 5
	h := newHarness(t, 2_100, cfg)

	require.NoError(t, h.host.Run(context.Background()))

	// THEN 10 ms is sampled once and sampling continues to 90 ms
	firings := h.trace.Firings()
	require.Len(t, firings, 9)
	assert.Equal(t, int64(10), firings[0].Clock)
	assert.Equal(t, int64(20), firings[1].Clock)
	assert.Equal(t, int64(90), firings[len(firings)-1].Clock)
}

func TestSampler_ForceSampleBeforeStart(t *testing.T) {
	s := New(DefaultConfig(), telemetry.NewSynthesizer(100, nil), &failingAppender{}, sim.NewPartitionedRNG(1))
	assert.Equal(t, Idle, s.State())
	assert.ErrorIs(t, s.ForceSample(), ErrNotStarted)
}

type failingAppender struct{ calls int }

func (f *failingAppender) Append([]telemetry.Record) error {
	f.calls++
	return errors.New("disk full")
}

func TestSampler_AppendFailure_KeepsSampling(t *testing.T) {
	// GIVEN an output that always fails
	out := &failingAppender{}
	host := sim.NewSimulator(5_000, threeDevices())
	s := New(DefaultConfig(), telemetry.NewSynthesizer(100, nil), out, sim.NewPartitionedRNG(1))
	host.AddEntity(s)

	// WHEN the simulation runs
	require.NoError(t, host.Run(context.Background()))

	// THEN every firing still happens and no rows are counted
	assert.Equal(t, 30, out.calls)
	assert.Equal(t, 30, s.Firings())
	assert.Equal(t, 0, s.Rows())
	assert.Error(t, s.ForceSample())
}

func TestSampler_SameSeed_SameLog(t *testing.T) {
	run := func() []telemetry.Record {
		h := newHarness(t, 5_000, DefaultConfig())
		require.NoError(t, h.host.Run(context.Background()))
		recs, err := telemetry.ReadRecords(h.sink.Path())
		require.NoError(t, err)
		return recs
	}
	assert.Equal(t, run(), run())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.IntervalMs = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.StopMarginMs = -1
	assert.Error(t, bad.Validate())

	assert.Panics(t, func() {
		New(bad, telemetry.NewSynthesizer(100, nil), &failingAppender{}, sim.NewPartitionedRNG(1))
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}
