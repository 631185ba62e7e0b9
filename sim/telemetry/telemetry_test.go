package telemetry

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogwatch/fogwatch/sim"
)

// === Synthesizer ===

func TestSynthesizer_Bounds_AllClassesAllTimes(t *testing.T) {
	// GIVEN every default device plus an unclassified one
	devices := append(sim.DefaultRoster(), sim.Device{
		Name: "gw", Class: sim.ClassOther, UplinkLatencyMs: 0, Power: sim.PowerEnvelope{IdleW: 0, BusyW: 3}, RAMMB: 64,
	})
	syn := NewSynthesizer(100, nil)
	syn.AnomalyProb = 0.2 // exercise spike and collapse paths often
	rng := rand.New(rand.NewSource(1))

	// WHEN sampled over a long run
	for ts := int64(0); ts <= 600_000; ts += 250 {
		for _, d := range devices {
			r := syn.Sample(d, ts, rng)

			// THEN every invariant holds
			assert.GreaterOrEqual(t, r.CPUPercent, 0.0)
			assert.LessOrEqual(t, r.CPUPercent, MaxSynthCPU)
			assert.GreaterOrEqual(t, r.PacketLoss, 0.0)
			assert.LessOrEqual(t, r.PacketLoss, MaxPacketLoss)
			assert.LessOrEqual(t, r.MemUsedMB, r.MemTotalMB)
			assert.GreaterOrEqual(t, r.MemPercent(), 4.0) // 5% floor, truncated to whole MB
			assert.LessOrEqual(t, r.MemPercent(), 90.0)
			assert.GreaterOrEqual(t, r.EnergyJ, 0.0)
			assert.GreaterOrEqual(t, r.LatencyMs, minLatencyMs)
			if t.Failed() {
				t.Fatalf("invariant broken for %s at %d ms: %+v", d.Name, ts, r)
			}
		}
	}
}

func TestSynthesizer_Deterministic_SameSeedSameBytes(t *testing.T) {
	render := func() string {
		syn := NewSynthesizer(100, nil)
		rng := sim.NewPartitionedRNG(sim.NewSimulationKey(42)).ForSubsystem(sim.SubsystemTelemetry)
		var b strings.Builder
		for ts := int64(0); ts < 10_000; ts += 100 {
			for _, d := range sim.DefaultRoster() {
				b.WriteString(strings.Join(syn.Sample(d, ts, rng).Fields(), ","))
				b.WriteByte('\n')
			}
		}
		return b.String()
	}
	assert.Equal(t, render(), render())
}

func TestSynthesizer_DifferentSeeds_Differ(t *testing.T) {
	d := sim.DefaultRoster()[0]
	syn := NewSynthesizer(100, nil)
	a := syn.Sample(d, 1000, rand.New(rand.NewSource(1)))
	b := syn.Sample(d, 1000, rand.New(rand.NewSource(2)))
	assert.NotEqual(t, a, b)
}

func TestSynthesizer_EnergyFollowsPowerEnvelope(t *testing.T) {
	// GIVEN a zero-noise device profile
	d := sim.Device{Name: "x", Class: sim.ClassOther, Power: sim.PowerEnvelope{IdleW: 1, BusyW: 11}, RAMMB: 100}
	syn := NewSynthesizer(500, nil)
	r := syn.Sample(d, 0, rand.New(rand.NewSource(3)))

	want := (1 + 10*r.CPUPercent/100) * 0.5
	assert.InDelta(t, want, r.EnergyJ, 1e-9)
}

type fakeIntrospector struct {
	state sim.DeviceState
	err   error
}

func (f fakeIntrospector) Inspect(string) (sim.DeviceState, error) { return f.state, f.err }

func TestSynthesizer_PrefersIntrospectedState(t *testing.T) {
	d := sim.DefaultRoster()[0]
	syn := NewSynthesizer(1000, fakeIntrospector{state: sim.DeviceState{
		Workloads: 9, MemUsedMB: 123, MemTotalMB: 1000, ComputeShare: 0.75, PowerW: 4,
	}})
	r := syn.Sample(d, 5000, rand.New(rand.NewSource(1)))

	assert.Equal(t, 9, r.Workloads)
	assert.Equal(t, 123, r.MemUsedMB)
	assert.Equal(t, 1000, r.MemTotalMB)
	assert.InDelta(t, 75.0, r.CPUPercent, 1e-9)
	assert.InDelta(t, 4.0, r.EnergyJ, 1e-9)
}

func TestSynthesizer_IntrospectionFailure_FallsBack(t *testing.T) {
	d := sim.DefaultRoster()[1]
	syn := NewSynthesizer(100, fakeIntrospector{err: errors.New("host gone")})
	r := syn.Sample(d, 100, rand.New(rand.NewSource(1)))

	assert.Equal(t, d.Workloads, r.Workloads)
	assert.Equal(t, d.RAMMB, r.MemTotalMB)
	assert.Greater(t, r.MemUsedMB, 0)
}

func TestBaseLoad_ClassProfilesDiffer(t *testing.T) {
	seen := map[float64]bool{}
	for _, c := range []sim.DeviceClass{sim.ClassEdgeCapture, sim.ClassAggregation, sim.ClassCloudTier, sim.ClassSensorNode, sim.ClassMonitorNode, sim.ClassOther} {
		v := math.Round(baseLoad(c, 37.5)*1000) / 1000
		assert.False(t, seen[v], "class %s shares a profile", c)
		seen[v] = true
	}
}

// === Sink ===

func rec(dev string, ts int64) Record {
	return Record{TimeMs: ts, Device: dev, Workloads: 1, MemUsedMB: 10, MemTotalMB: 100, CPUPercent: 12.5, EnergyJ: 0.01, LatencyMs: 2, PacketLoss: 0}
}

func TestSink_AppendAndScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "inputs", "edge_metrics.csv")
	s, err := OpenSink(path, "")
	require.NoError(t, err)

	require.NoError(t, s.Append([]Record{rec("a", 10), rec("b", 10)}))
	require.NoError(t, s.Append([]Record{rec("a", 20), rec("b", 20)}))
	assert.Equal(t, 4, s.RowCount())
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Equal(t, strings.Join(Header, ","), lines[0])
	assert.Equal(t, "10,a,1,10,100,10.00,12.50,0.0100,2.00,0.0000", lines[1])

	snap, err := Scan(path)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Rows)
	assert.Equal(t, []string{"a", "b"}, snap.Devices)
	assert.Equal(t, int64(10), snap.FirstTimeMs)
	assert.Equal(t, int64(20), snap.LastTimeMs)
}

func TestSink_RejectsDuplicateAndOutOfOrder(t *testing.T) {
	s, err := OpenSink(filepath.Join(t.TempDir(), "m.csv"), "")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append([]Record{rec("a", 100)}))

	// duplicate timestamp
	err = s.Append([]Record{rec("a", 100)})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	// going back in time
	assert.ErrorIs(t, s.Append([]Record{rec("a", 50)}), ErrOutOfOrder)
	// duplicate inside one batch rejects the whole batch
	assert.ErrorIs(t, s.Append([]Record{rec("b", 1), rec("b", 1)}), ErrOutOfOrder)

	assert.Equal(t, 1, s.RowCount(), "rejected batches write nothing")
	// other devices are independent
	assert.NoError(t, s.Append([]Record{rec("b", 100)}))
}

func TestSink_UnwritablePrimary_FallsBack(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	fallback := filepath.Join(dir, "fallback.csv")

	// GIVEN a primary path whose parent is a regular file
	s, err := OpenSink(filepath.Join(blocker, "edge_metrics.csv"), fallback)

	// THEN the sink opens at the fallback
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, fallback, s.Path())
	require.NoError(t, s.Append([]Record{rec("a", 1)}))
}

func TestSink_BothUnwritable_Errors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := OpenSink(filepath.Join(blocker, "a.csv"), filepath.Join(blocker, "b.csv"))
	assert.Error(t, err)
}

func TestSink_AppendAfterClose(t *testing.T) {
	s, err := OpenSink(filepath.Join(t.TempDir(), "m.csv"), "")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Append([]Record{rec("a", 1)}), ErrClosed)
	assert.NoError(t, s.Close(), "double close is a no-op")
}

func TestScan_PartialTrailingLineIgnored(t *testing.T) {
	// GIVEN a log whose last row is still being written
	path := filepath.Join(t.TempDir(), "m.csv")
	content := strings.Join(Header, ",") + "\n" +
		"10,a,1,10,100,10.00,12.50,0.0100,2.00,0.0000\n" +
		"20,a,1,10,100,10.00,12.50,0.0100,2.00,0.0000\n" +
		"30,a,1,10,1"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	snap, err := Scan(path)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Rows)
	assert.Equal(t, int64(20), snap.LastTimeMs)

	recs, err := ReadRecords(path)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestScan_MalformedLinesCountedSeparately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.csv")
	content := strings.Join(Header, ",") + "\n" +
		"garbage\n" +
		"10,a,1,10,100,10.00,12.50,0.0100,2.00,0.0000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	snap, err := Scan(path)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Rows)
	assert.Equal(t, 1, snap.Malformed)
}

func TestScan_MissingFile(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "absent.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseRecord_RoundTripOfFields(t *testing.T) {
	r := Record{TimeMs: 57900, Device: "cam-1", Workloads: 2, MemUsedMB: 400, MemTotalMB: 1000, CPUPercent: 55.25, EnergyJ: 0.0552, LatencyMs: 2.31, PacketLoss: 0.0125}
	got, err := ParseRecord(strings.Join(r.Fields(), ","))
	require.NoError(t, err)
	assert.Equal(t, r, got)

	_, err = ParseRecord("1,2,3")
	assert.Error(t, err)
}
