package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fogwatch/fogwatch/sim"
	"github.com/fogwatch/fogwatch/sim/orchestrator"
)

// DeviceSpec describes one roster device in a run configuration.
// Class may be omitted and is then inferred from the name.
type DeviceSpec struct {
	Name            string  `yaml:"name"`
	Class           string  `yaml:"class"`
	UplinkLatencyMs float64 `yaml:"uplink_latency_ms"`
	IdlePowerW      float64 `yaml:"idle_power_w"`
	BusyPowerW      float64 `yaml:"busy_power_w"`
	RAMMB           int     `yaml:"ram_mb"`
	Workloads       int     `yaml:"workloads"`
}

// PipelineSpec describes an external command.
type PipelineSpec struct {
	Command  []string `yaml:"command"`
	Requires string   `yaml:"requires"`
	Timeout  string   `yaml:"timeout"`
}

// RunConfig is the YAML run configuration. Omitted fields keep their defaults.
// All sections must be listed to satisfy KnownFields(true) strict parsing.
type RunConfig struct {
	Devices        []DeviceSpec  `yaml:"devices"`
	HorizonMs      *int64        `yaml:"horizon_ms"`
	Seed           *int64        `yaml:"seed"`
	Speed          *float64      `yaml:"speed"`
	IntervalMs     *int64        `yaml:"interval_ms"`
	LoadIntervalMs *int64        `yaml:"load_interval_ms"`
	LogPath        string        `yaml:"log_path"`
	FallbackPath   string        `yaml:"fallback_log_path"`
	OutputDir      string        `yaml:"output_dir"`
	ProjectRoot    string        `yaml:"project_root"`
	Pipeline       *PipelineSpec `yaml:"pipeline"`
	FinalCommand   *PipelineSpec `yaml:"final_command"`
	Monitor        *MonitorSpec  `yaml:"monitor"`
	ShutdownGrace  string        `yaml:"shutdown_grace"`
	PoolSize       int           `yaml:"pool_size"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	RedisAddr      string        `yaml:"redis_addr"`
	TraceLevel     string        `yaml:"trace_level"`
}

// MonitorSpec is the monitor's wall-clock cadence.
type MonitorSpec struct {
	Warmup  string `yaml:"warmup"`
	Poll    string `yaml:"poll"`
	MinRows *int   `yaml:"min_rows"`
}

// loadRunConfig parses a run configuration with strict field checking:
// typos must cause errors.
func loadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run config: %w", err)
	}
	var rc RunConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&rc); err != nil {
		return nil, fmt.Errorf("parsing run config %s: %w", path, err)
	}
	return &rc, nil
}

// Apply overlays the configured fields onto cfg.
func (rc *RunConfig) Apply(cfg *orchestrator.Config) error {
	var errs []error
	if len(rc.Devices) > 0 {
		devices, err := rc.roster()
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Devices = devices
	}
	if rc.HorizonMs != nil {
		cfg.HorizonMs = *rc.HorizonMs
	}
	if rc.Seed != nil {
		cfg.Seed = *rc.Seed
	}
	if rc.Speed != nil {
		cfg.Speed = *rc.Speed
	}
	if rc.IntervalMs != nil {
		cfg.Sampler.IntervalMs = *rc.IntervalMs
	}
	if rc.LoadIntervalMs != nil {
		cfg.LoadIntervalMs = *rc.LoadIntervalMs
	}
	setString(&cfg.LogPath, rc.LogPath)
	setString(&cfg.FallbackLogPath, rc.FallbackPath)
	setString(&cfg.OutputDir, rc.OutputDir)
	setString(&cfg.ProjectRoot, rc.ProjectRoot)
	setString(&cfg.MetricsAddr, rc.MetricsAddr)
	setString(&cfg.RedisAddr, rc.RedisAddr)
	setString(&cfg.TraceLevel, rc.TraceLevel)
	if rc.PoolSize != 0 {
		cfg.PoolSize = rc.PoolSize
	}

	if p := rc.Pipeline; p != nil {
		cfg.External = p.Command
		cfg.ExternalRequires = p.Requires
		errs = append(errs, setDuration(&cfg.PeriodicTimeout, p.Timeout, "pipeline.timeout"))
	}
	if p := rc.FinalCommand; p != nil {
		cfg.FinalCommand = p.Command
		cfg.FinalCommandRequires = p.Requires
		errs = append(errs, setDuration(&cfg.FinalTimeout, p.Timeout, "final_command.timeout"))
	}
	if m := rc.Monitor; m != nil {
		errs = append(errs,
			setDuration(&cfg.Monitor.Warmup, m.Warmup, "monitor.warmup"),
			setDuration(&cfg.Monitor.Poll, m.Poll, "monitor.poll"))
		if m.MinRows != nil {
			cfg.Monitor.MinRows = *m.MinRows
		}
	}
	errs = append(errs, setDuration(&cfg.ShutdownGrace, rc.ShutdownGrace, "shutdown_grace"))
	return errors.Join(errs...)
}

// roster converts the configured devices, inferring missing classes from names.
func (rc *RunConfig) roster() ([]sim.Device, error) {
	devices := make([]sim.Device, 0, len(rc.Devices))
	var errs []error
	for i, d := range rc.Devices {
		class := sim.DeviceClass(d.Class)
		if d.Class == "" {
			class = sim.ClassFromName(d.Name)
		} else if !sim.IsValidDeviceClass(d.Class) {
			errs = append(errs, fmt.Errorf("devices[%d]: unknown class %q", i, d.Class))
		}
		devices = append(devices, sim.Device{
			Name:            d.Name,
			Class:           class,
			UplinkLatencyMs: d.UplinkLatencyMs,
			Power:           sim.PowerEnvelope{IdleW: d.IdlePowerW, BusyW: d.BusyPowerW},
			RAMMB:           d.RAMMB,
			Workloads:       d.Workloads,
		})
	}
	return devices, errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, field string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}
