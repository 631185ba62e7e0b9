package sim

import (
	"errors"
	"fmt"
	"strings"
)

// DeviceClass is the coarse role of a device in the fog topology.
// It selects the load profile used by telemetry synthesis.
type DeviceClass string

const (
	ClassEdgeCapture    DeviceClass = "edge-capture"
	ClassAggregation    DeviceClass = "aggregation"
	ClassCloudTier      DeviceClass = "cloud-tier"
	ClassSensorNode     DeviceClass = "sensor-node"
	ClassControllerNode DeviceClass = "controller-node"
	ClassMonitorNode    DeviceClass = "monitor-node"
	ClassOther          DeviceClass = "other"
)

// validDeviceClasses maps accepted class strings.
var validDeviceClasses = map[DeviceClass]bool{
	ClassEdgeCapture:    true,
	ClassAggregation:    true,
	ClassCloudTier:      true,
	ClassSensorNode:     true,
	ClassControllerNode: true,
	ClassMonitorNode:    true,
	ClassOther:          true,
}

// IsValidDeviceClass returns true if the given class string is a recognized device class.
func IsValidDeviceClass(class string) bool {
	return validDeviceClasses[DeviceClass(class)]
}

// ClassFromName infers a device class from conventional device names
// ("cam-1" → edge-capture, "fog-0" → aggregation, ...). Unknown names map to ClassOther.
func ClassFromName(name string) DeviceClass {
	switch {
	case strings.Contains(name, "cam"):
		return ClassEdgeCapture
	case strings.Contains(name, "fog"):
		return ClassAggregation
	case strings.Contains(name, "cloud"):
		return ClassCloudTier
	case strings.Contains(name, "soil") || strings.Contains(name, "sensor"):
		return ClassSensorNode
	case strings.Contains(name, "irrigation") || strings.Contains(name, "controller"):
		return ClassControllerNode
	case strings.Contains(name, "signal") || strings.Contains(name, "monitor"):
		return ClassMonitorNode
	}
	return ClassOther
}

// PowerEnvelope is a linear power model: Idle watts at 0% CPU, Busy watts at 100%.
type PowerEnvelope struct {
	IdleW float64
	BusyW float64
}

// Device is one simulated node. Devices are created once at setup
// and never mutated during a run.
type Device struct {
	Name            string
	Class           DeviceClass
	UplinkLatencyMs float64
	Power           PowerEnvelope
	RAMMB           int
	Workloads       int // application modules placed on the device
}

// Validate checks that the device is usable by the telemetry pipeline.
func (d Device) Validate() error {
	if d.Name == "" {
		return errors.New("device name must not be empty")
	}
	if strings.ContainsAny(d.Name, ",\n\r\"") {
		return fmt.Errorf("device %q: name must not contain commas, quotes or newlines", d.Name)
	}
	if !validDeviceClasses[d.Class] {
		return fmt.Errorf("device %q: unknown class %q", d.Name, d.Class)
	}
	if d.RAMMB <= 0 {
		return fmt.Errorf("device %q: ram_mb must be positive, got %d", d.Name, d.RAMMB)
	}
	if d.UplinkLatencyMs < 0 {
		return fmt.Errorf("device %q: uplink_latency_ms must be non-negative, got %f", d.Name, d.UplinkLatencyMs)
	}
	if d.Power.IdleW < 0 || d.Power.BusyW < d.Power.IdleW {
		return fmt.Errorf("device %q: power envelope must satisfy 0 <= idle <= busy, got idle=%f busy=%f",
			d.Name, d.Power.IdleW, d.Power.BusyW)
	}
	if d.Workloads < 0 {
		return fmt.Errorf("device %q: workloads must be non-negative, got %d", d.Name, d.Workloads)
	}
	return nil
}

// DefaultRoster returns the smart-farm topology: one cloud, one fog aggregator,
// two cameras and three irrigation-side nodes.
func DefaultRoster() []Device {
	return []Device{
		{Name: "cloud", Class: ClassCloudTier, UplinkLatencyMs: 100, Power: PowerEnvelope{IdleW: 0.01, BusyW: 16}, RAMMB: 40000, Workloads: 2},
		{Name: "fog-0", Class: ClassAggregation, UplinkLatencyMs: 2, Power: PowerEnvelope{IdleW: 0.01, BusyW: 2}, RAMMB: 4000, Workloads: 2},
		{Name: "cam-1", Class: ClassEdgeCapture, UplinkLatencyMs: 2, Power: PowerEnvelope{IdleW: 0.01, BusyW: 1}, RAMMB: 1000, Workloads: 1},
		{Name: "cam-2", Class: ClassEdgeCapture, UplinkLatencyMs: 2, Power: PowerEnvelope{IdleW: 0.01, BusyW: 1}, RAMMB: 1000, Workloads: 1},
		{Name: "soil-sensor-node", Class: ClassSensorNode, UplinkLatencyMs: 1.5, Power: PowerEnvelope{IdleW: 0.01, BusyW: 0.8}, RAMMB: 512, Workloads: 1},
		{Name: "signal-monitor", Class: ClassMonitorNode, UplinkLatencyMs: 1, Power: PowerEnvelope{IdleW: 0.01, BusyW: 1.2}, RAMMB: 1024, Workloads: 1},
		{Name: "irrigation-controller", Class: ClassControllerNode, UplinkLatencyMs: 1, Power: PowerEnvelope{IdleW: 0.01, BusyW: 1.5}, RAMMB: 2048, Workloads: 1},
	}
}

// DeviceState is a best-effort runtime view of a device, as reported by host-side models.
// Zero fields mean "not modeled"; consumers fall back to their own estimates.
type DeviceState struct {
	Workloads    int
	MemUsedMB    int
	MemTotalMB   int
	ComputeShare float64 // allocated share of the device's compute, in [0,1]
	PowerW       float64
}

// ErrUnknownDevice is returned by Inspect for names not in the roster.
var ErrUnknownDevice = errors.New("unknown device")

// Introspector exposes best-effort runtime state of roster devices.
type Introspector interface {
	Inspect(name string) (DeviceState, error)
}
