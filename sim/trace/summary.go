package trace

import "time"

// TraceSummary aggregates statistics from a RunTrace.
type TraceSummary struct {
	Firings         int
	ForcedFirings   int
	RowsWritten     int
	FirstFiringMs   int64
	LastFiringMs    int64
	TotalPasses     int
	OutcomeCounts   map[string]int // outcome → count of passes
	SourceCounts    map[string]int // artifact source → count of completed passes
	MaxFlagged      int
	MeanPassLatency time.Duration
	MaxPassLatency  time.Duration
}

// Summarize computes aggregate statistics from a RunTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(rt *RunTrace) *TraceSummary {
	summary := &TraceSummary{
		OutcomeCounts: make(map[string]int),
		SourceCounts:  make(map[string]int),
	}
	if rt == nil {
		return summary
	}

	firings := rt.Firings()
	summary.Firings = len(firings)
	for i, f := range firings {
		if i == 0 {
			summary.FirstFiringMs = f.Clock
		}
		if f.Clock > summary.LastFiringMs {
			summary.LastFiringMs = f.Clock
		}
		if f.Forced {
			summary.ForcedFirings++
		}
		summary.RowsWritten += f.Rows
	}

	passes := rt.Passes()
	summary.TotalPasses = len(passes)
	if len(passes) > 0 {
		var total time.Duration
		for _, p := range passes {
			summary.OutcomeCounts[p.Outcome]++
			if p.Source != "" {
				summary.SourceCounts[p.Source]++
			}
			if p.Flagged > summary.MaxFlagged {
				summary.MaxFlagged = p.Flagged
			}
			total += p.Duration
			if p.Duration > summary.MaxPassLatency {
				summary.MaxPassLatency = p.Duration
			}
		}
		summary.MeanPassLatency = total / time.Duration(len(passes))
	}

	return summary
}
