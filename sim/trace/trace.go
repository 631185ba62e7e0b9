package trace

import "sync"

// TraceLevel controls the verbosity of run tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelEvents captures every sampler firing and analysis pass.
	TraceLevelEvents TraceLevel = "events"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:   true,
	TraceLevelEvents: true,
	"":               true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// RunTrace collects firing and pass records during a run. Firings are recorded
// from the simulation goroutine and passes from the worker pool, so all methods
// are safe for concurrent use. A nil *RunTrace records nothing.
type RunTrace struct {
	Level TraceLevel

	mu      sync.Mutex
	firings []FiringRecord
	passes  []PassRecord
}

// NewRunTrace creates a RunTrace ready for recording.
// Returns nil for TraceLevelNone so callers can record unconditionally.
func NewRunTrace(level TraceLevel) *RunTrace {
	if level == TraceLevelNone || level == "" {
		return nil
	}
	return &RunTrace{
		Level:   level,
		firings: make([]FiringRecord, 0),
		passes:  make([]PassRecord, 0),
	}
}

// RecordFiring appends a firing record.
func (rt *RunTrace) RecordFiring(record FiringRecord) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.firings = append(rt.firings, record)
}

// RecordPass appends a pass record.
func (rt *RunTrace) RecordPass(record PassRecord) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.passes = append(rt.passes, record)
}

// Firings returns a copy of the recorded firings.
func (rt *RunTrace) Firings() []FiringRecord {
	if rt == nil {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]FiringRecord(nil), rt.firings...)
}

// Passes returns a copy of the recorded passes.
func (rt *RunTrace) Passes() []PassRecord {
	if rt == nil {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]PassRecord(nil), rt.passes...)
}
