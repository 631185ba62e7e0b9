// Package analysis runs anomaly-analysis passes over the telemetry log.
//
// A pass checks a row-count precondition, always produces an in-process
// baseline result, then optionally runs an external pipeline under a deadline.
// Every pass ends in exactly one Outcome and leaves the three artifacts
// (anomaly records, human-readable report, machine-readable status) populated
// whenever it completes.
package analysis

import (
	"sort"
	"time"
)

// Outcome is the terminal state of a pass.
type Outcome string

const (
	Skipped   Outcome = "skipped"
	Failed    Outcome = "failed"
	Completed Outcome = "completed"
)

// Source names which pipeline produced a completed pass's artifacts.
type Source string

const (
	SourceBaseline Source = "baseline"
	SourceExternal Source = "external"
)

// Anomaly categories produced by the baseline pipeline.
const (
	CategoryNormal     = "NORMAL"
	CategoryCPUSpike   = "CPU_SPIKE"
	CategoryMemoryLeak = "MEMORY_LEAK"
	CategoryUnknown    = "UNKNOWN"
)

// AnomalyRecord is one verdict for one device at one timestamp.
type AnomalyRecord struct {
	TimeMs   int64
	Device   string
	Flag     bool
	Score    float64 // [0,1]
	Category string
}

// Summary aggregates a set of anomaly records.
type Summary struct {
	DataPoints      int // telemetry rows analyzed
	Devices         int
	Flagged         int
	Categories      map[string]int // flagged records per category
	Dominant        string         // most frequent flagged category, "" when nothing is flagged
	MaxScore        float64        // highest score among flagged records
	Algorithm       string
	Confidence      float64
	Recommendations []string
}

// Result is what a pipeline produces.
type Result struct {
	Anomalies []AnomalyRecord
	Summary   Summary
	// Report, when set, is a pipeline-authored report kept verbatim.
	Report string
}

// Pass is the outcome of one Runner.Run call.
type Pass struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Outcome  Outcome
	Reason   string // why a pass was skipped, or which pipeline degraded
	Err      error  // set when Outcome is Failed
	Rows     int    // log rows at invocation
	MinRows  int
	Final    bool
	Source   Source  // set when Outcome is Completed
	Result   *Result // set when Outcome is Completed
}

// Severity grades an alert by the highest flagged score.
type Severity string

const (
	SeverityNone   Severity = ""
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Severity score floors, on the [0,1] scale where 1 is most anomalous.
const (
	HighSeverityScore   = 0.8
	MediumSeverityScore = 0.5
)

// SeverityOf grades a score; a summary with nothing flagged has no severity.
func SeverityOf(score float64) Severity {
	switch {
	case score >= HighSeverityScore:
		return SeverityHigh
	case score >= MediumSeverityScore:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Severity returns the alert grade of s, or SeverityNone when nothing is flagged.
func (s Summary) Severity() Severity {
	if s.Flagged == 0 {
		return SeverityNone
	}
	return SeverityOf(s.MaxScore)
}

// Summarize counts flagged records per category and picks the dominant one.
// Ties go to the alphabetically first category.
func Summarize(records []AnomalyRecord, dataPoints int) Summary {
	s := Summary{DataPoints: dataPoints, Categories: make(map[string]int)}
	devices := make(map[string]bool)
	for _, r := range records {
		devices[r.Device] = true
		if !r.Flag {
			continue
		}
		s.Flagged++
		s.Categories[r.Category]++
		if r.Score > s.MaxScore {
			s.MaxScore = r.Score
		}
	}
	s.Devices = len(devices)

	cats := make([]string, 0, len(s.Categories))
	for c := range s.Categories {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		if s.Dominant == "" || s.Categories[c] > s.Categories[s.Dominant] {
			s.Dominant = c
		}
	}
	return s
}
