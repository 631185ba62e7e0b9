// Package trace provides run-trace recording for sampler firings and analysis passes.
// This package has no dependencies on other fogwatch packages: it stores pure data types.
package trace

import "time"

// FiringRecord captures a single sampler firing on the simulated clock.
type FiringRecord struct {
	Seq    int
	Clock  int64 // simulated ms
	Rows   int   // rows appended by this firing
	Forced bool  // true for the post-run forced sample
}

// PassRecord captures a single analysis pass on the wall clock.
type PassRecord struct {
	PassID   string
	Started  time.Time
	Duration time.Duration
	Outcome  string
	Reason   string
	Rows     int
	Flagged  int
	Final    bool
	Source   string // "baseline" or "external"; empty unless the pass completed
}
