package analysis

import (
	"context"
	"math/rand"
)

const (
	// DefaultBaselineSeed seeds every baseline pass, so a pass is idempotent for a given snapshot.
	DefaultBaselineSeed = 42
	// DefaultFlagProbability is the per-record probability of a baseline anomaly flag.
	DefaultFlagProbability = 0.05
	// BaselineAlgorithm names the baseline in reports and status artifacts.
	BaselineAlgorithm = "baseline"
	// BaselineConfidence is reported for every baseline result.
	BaselineConfidence = 0.85

	maxRecordsPerDevice = 100
	recordSpacingMs     = 1000
)

// DefaultRecommendations are the fixed recommendations of the baseline report.
var DefaultRecommendations = []string{
	"Monitor CPU utilization on fog devices",
	"Implement load balancing for camera streams",
	"Consider upgrading irrigation controller memory",
}

// Input describes the log snapshot a pass analyzes.
type Input struct {
	LogPath   string
	OutputDir string
	Rows      int
	Devices   []string
	FirstMs   int64 // first simulated timestamp in the log
	Final     bool
}

// Pipeline turns a log snapshot into anomaly verdicts.
type Pipeline interface {
	Name() string
	Analyze(ctx context.Context, in Input) (*Result, error)
}

// BaselinePipeline is the always-available in-process pipeline. It derives
// its verdicts from the row count and device set only, drawing flags from a
// freshly seeded stream on every call.
type BaselinePipeline struct {
	Seed            int64
	FlagProbability float64
	Recommendations []string
}

// NewBaselinePipeline returns a BaselinePipeline with the default seed,
// flag probability and recommendations.
func NewBaselinePipeline() *BaselinePipeline {
	return &BaselinePipeline{
		Seed:            DefaultBaselineSeed,
		FlagProbability: DefaultFlagProbability,
		Recommendations: DefaultRecommendations,
	}
}

// Name implements Pipeline.
func (b *BaselinePipeline) Name() string { return BaselineAlgorithm }

// Analyze implements Pipeline. For each of min(rows/devices, 100) steps it
// emits one record per device, spaced one simulated second apart from the
// first logged timestamp.
func (b *BaselinePipeline) Analyze(_ context.Context, in Input) (*Result, error) {
	rng := rand.New(rand.NewSource(b.Seed))
	steps := 0
	if len(in.Devices) > 0 {
		steps = min(in.Rows/len(in.Devices), maxRecordsPerDevice)
	}
	records := make([]AnomalyRecord, 0, steps*len(in.Devices))
	for i := 0; i < steps; i++ {
		for _, dev := range in.Devices {
			flag := rng.Float64() < b.FlagProbability
			rec := AnomalyRecord{
				TimeMs:   in.FirstMs + int64(i)*recordSpacingMs,
				Device:   dev,
				Flag:     flag,
				Score:    rng.Float64(),
				Category: CategoryNormal,
			}
			if flag {
				rec.Category = CategoryMemoryLeak
				if rng.Intn(2) == 1 {
					rec.Category = CategoryCPUSpike
				}
			}
			records = append(records, rec)
		}
	}

	s := Summarize(records, in.Rows)
	s.Devices = len(in.Devices)
	s.Algorithm = BaselineAlgorithm
	s.Confidence = BaselineConfidence
	s.Recommendations = append([]string(nil), b.Recommendations...)
	return &Result{Anomalies: records, Summary: s}, nil
}
