// Package telemetry synthesizes per-device resource telemetry and persists it
// to an append-only CSV log.
// This package depends on sim/ only for the device roster and introspection types.
package telemetry

import (
	"fmt"
	"strconv"
	"strings"
)

// Header is the fixed column order of the telemetry log.
var Header = []string{
	"time",
	"device",
	"vmCount",
	"ramUsed",
	"ramTotal",
	"ramUtilPercent",
	"cpuUtilPercent",
	"energyConsumed",
	"networkLatency",
	"packetLoss",
}

// Record is one measurement row for one device at one simulated timestamp.
type Record struct {
	TimeMs     int64
	Device     string
	Workloads  int
	MemUsedMB  int
	MemTotalMB int
	CPUPercent float64 // [0,100]; synthesized values stay within [0,98]
	EnergyJ    float64 // energy consumed over the sampling interval
	LatencyMs  float64
	PacketLoss float64 // fraction in [0, MaxPacketLoss]
}

// MemPercent returns memory utilization in percent, 0 when the total is unknown.
func (r Record) MemPercent() float64 {
	if r.MemTotalMB <= 0 {
		return 0
	}
	return float64(r.MemUsedMB) / float64(r.MemTotalMB) * 100.0
}

// Fields renders the record in Header column order.
func (r Record) Fields() []string {
	return []string{
		strconv.FormatInt(r.TimeMs, 10),
		r.Device,
		strconv.Itoa(r.Workloads),
		strconv.Itoa(r.MemUsedMB),
		strconv.Itoa(r.MemTotalMB),
		strconv.FormatFloat(r.MemPercent(), 'f', 2, 64),
		strconv.FormatFloat(r.CPUPercent, 'f', 2, 64),
		strconv.FormatFloat(r.EnergyJ, 'f', 4, 64),
		strconv.FormatFloat(r.LatencyMs, 'f', 2, 64),
		strconv.FormatFloat(r.PacketLoss, 'f', 4, 64),
	}
}

// ParseRecord parses one CSV line (without trailing newline) written by Sink.
func ParseRecord(line string) (Record, error) {
	f := strings.Split(strings.TrimRight(line, "\r"), ",")
	if len(f) != len(Header) {
		return Record{}, fmt.Errorf("expected %d fields, got %d", len(Header), len(f))
	}
	var r Record
	var err error
	if r.TimeMs, err = strconv.ParseInt(f[0], 10, 64); err != nil {
		return Record{}, fmt.Errorf("time: %w", err)
	}
	r.Device = f[1]
	ints := []*int{&r.Workloads, &r.MemUsedMB, &r.MemTotalMB}
	for i, dst := range ints {
		if *dst, err = strconv.Atoi(f[2+i]); err != nil {
			return Record{}, fmt.Errorf("%s: %w", Header[2+i], err)
		}
	}
	floats := []struct {
		col int
		dst *float64
	}{
		{6, &r.CPUPercent},
		{7, &r.EnergyJ},
		{8, &r.LatencyMs},
		{9, &r.PacketLoss},
	}
	for _, fl := range floats {
		if *fl.dst, err = strconv.ParseFloat(f[fl.col], 64); err != nil {
			return Record{}, fmt.Errorf("%s: %w", Header[fl.col], err)
		}
	}
	return r, nil
}
