package telemetry

import (
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/fogwatch/fogwatch/sim"
)

const (
	// MaxSynthCPU caps synthesized CPU utilization (percent).
	MaxSynthCPU = 98.0
	// MaxPacketLoss caps packet loss (fraction; 0.10 is 10%).
	MaxPacketLoss = 0.10
	// DefaultAnomalyProb is the per-sample probability of an injected spike or collapse.
	DefaultAnomalyProb = 0.02

	minMemPercent = 5.0
	maxMemPercent = 90.0
	minLatencyMs  = 0.1
	lossThreshold = 70.0 // CPU percent above which packet loss appears
)

// Source produces one telemetry record per device per sampling instant.
// Implementations must be deterministic for a fixed rng state and call order.
type Source interface {
	Sample(dev sim.Device, timeMs int64, rng *rand.Rand) Record
}

// Synthesizer is a plausible-looking stand-in for a real telemetry source.
// CPU load follows a class-specific sum of sinusoids with drift and noise,
// memory tracks CPU, packet loss appears under high load and energy follows
// the device's linear power envelope.
type Synthesizer struct {
	// IntervalMs is the sampling interval energy is integrated over.
	IntervalMs int64
	// AnomalyProb is the per-sample probability of an injected spike or collapse.
	AnomalyProb float64
	// Introspector, when set, is asked for real runtime state first.
	// Lookup failures fall back to synthesis.
	Introspector sim.Introspector
}

// NewSynthesizer creates a Synthesizer with the default anomaly probability.
func NewSynthesizer(intervalMs int64, in sim.Introspector) *Synthesizer {
	return &Synthesizer{IntervalMs: intervalMs, AnomalyProb: DefaultAnomalyProb, Introspector: in}
}

// Sample implements Source.
func (s *Synthesizer) Sample(dev sim.Device, timeMs int64, rng *rand.Rand) Record {
	st := s.inspect(dev)
	rec := Record{
		TimeMs:     timeMs,
		Device:     dev.Name,
		Workloads:  st.Workloads,
		MemTotalMB: st.MemTotalMB,
	}
	if rec.MemTotalMB <= 0 {
		rec.MemTotalMB = dev.RAMMB
	}
	secs := float64(timeMs) / 1000.0

	if st.ComputeShare > 0 {
		rec.CPUPercent = math.Min(st.ComputeShare*100.0, 100.0)
	} else {
		rec.CPUPercent = s.cpu(dev.Class, secs, rng)
	}

	if st.MemUsedMB > 0 {
		rec.MemUsedMB = min(st.MemUsedMB, rec.MemTotalMB)
	} else {
		util := memory(dev.Class, rec.CPUPercent, timeMs, rng)
		rec.MemUsedMB = int(float64(rec.MemTotalMB) * util / 100.0)
	}

	intervalSec := float64(s.IntervalMs) / 1000.0
	if st.PowerW > 0 {
		rec.EnergyJ = st.PowerW * intervalSec
	} else {
		p := dev.Power
		rec.EnergyJ = (p.IdleW + (p.BusyW-p.IdleW)*(rec.CPUPercent/100.0)) * intervalSec
	}

	rec.LatencyMs = math.Max(minLatencyMs, dev.UplinkLatencyMs+rng.NormFloat64()*0.5)

	loss := (rec.CPUPercent-lossThreshold)/100.0 + rng.NormFloat64()*0.01
	rec.PacketLoss = math.Min(MaxPacketLoss, math.Max(0, loss))
	return rec
}

func (s *Synthesizer) inspect(dev sim.Device) sim.DeviceState {
	fallback := sim.DeviceState{Workloads: dev.Workloads, MemTotalMB: dev.RAMMB}
	if s.Introspector == nil {
		return fallback
	}
	st, err := s.Introspector.Inspect(dev.Name)
	if err != nil {
		logrus.Debugf("introspection of %s failed, synthesizing: %v", dev.Name, err)
		return fallback
	}
	return st
}

// cpu returns synthesized CPU utilization in percent, clamped to [0, MaxSynthCPU].
func (s *Synthesizer) cpu(class sim.DeviceClass, t float64, rng *rand.Rand) float64 {
	load := baseLoad(class, t)
	load += rng.NormFloat64() * 5.0

	if rng.Float64() < s.AnomalyProb {
		if rng.Intn(2) == 1 {
			load += 40.0 + rng.NormFloat64()*10.0 // spike
		} else {
			load = math.Max(0, load*0.1) // collapse
		}
	}
	return math.Max(0, math.Min(MaxSynthCPU, load))
}

// baseLoad is the noise-free load profile of a device class at t seconds.
func baseLoad(class sim.DeviceClass, t float64) float64 {
	switch class {
	case sim.ClassEdgeCapture:
		// 8s cycle over a 3s ripple plus slow creep
		return 15.0 + math.Sin(t/8.0)*20.0 + math.Sin(t/3.0)*10.0 + t*0.3
	case sim.ClassAggregation:
		return 30.0 + math.Sin(t/12.0)*25.0 + math.Cos(t/5.0)*15.0 + math.Sin(t/2.0)*8.0
	case sim.ClassCloudTier:
		load := 20.0 + math.Sin(t/20.0)*15.0 + math.Sin(t/7.0)*10.0
		if int(t)%15 < 2 {
			load += 30.0 * math.Exp(-math.Mod(t, 15)*2)
		}
		return load
	case sim.ClassSensorNode, sim.ClassControllerNode:
		load := 8.0 + math.Sin(t/30.0)*5.0 + math.Sin(t/5.0)*3.0
		if int(t)%20 < 3 {
			load += 25.0 * math.Exp(-math.Mod(t, 20)*1.5)
		}
		return load
	case sim.ClassMonitorNode:
		return 12.0 + math.Sin(t/15.0)*8.0 + math.Cos(t/4.0)*5.0
	default:
		return 10.0 + math.Sin(t/10.0)*5.0
	}
}

// memory returns memory utilization in percent, clamped to [5, 90].
// It couples to CPU at 70% plus a class-specific offset.
func memory(class sim.DeviceClass, cpu float64, timeMs int64, rng *rand.Rand) float64 {
	mem := cpu * 0.7
	t := float64(timeMs) / 1000.0
	switch class {
	case sim.ClassEdgeCapture:
		mem += math.Sin(t/4.0)*15.0 + 20.0 // frame buffers
	case sim.ClassAggregation:
		mem += 15.0 + float64(timeMs)/10000.0*10.0 // accumulates data
	case sim.ClassSensorNode, sim.ClassControllerNode:
		mem = math.Max(minMemPercent, mem*0.5)
		mem += 5.0 + rng.NormFloat64()*2.0
	default:
		mem += 10.0 + rng.NormFloat64()*3.0
	}
	mem += rng.NormFloat64() * 5.0
	return math.Max(minMemPercent, math.Min(maxMemPercent, mem))
}
