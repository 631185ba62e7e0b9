// Package sim provides the host discrete-event simulation kernel for fogwatch.
//
// # Reading Guide
//
// Start with these files to understand the kernel:
//   - event.go: Event and Entity interfaces, tagged EntityEvent callbacks
//   - simulator.go: the event loop, simulated clock, declared termination, pacing
//   - device.go: device roster, device classes and best-effort introspection
//
// # Architecture
//
// The sim package only knows about simulated time. Everything that runs on
// wall-clock time lives in sub-packages and never reads Simulator.Clock for
// its own pacing:
//   - sim/telemetry/: telemetry synthesis and the append-only CSV log sink
//   - sim/sampler/: the simulated-clock-driven sampling entity
//   - sim/analysis/: analysis passes, pipelines and result artifacts
//   - sim/monitor/: the wall-clock-driven background monitor
//   - sim/orchestrator/: lifecycle of one monitored run
//   - sim/exporter/: Prometheus and Redis publication of analysis state
//   - sim/trace/: per-run record of firings and analysis passes
//
// # Key Interfaces
//   - Entity: receives tagged callbacks scheduled via Simulator.ScheduleAt
//   - Clock: read-only view of simulated time
//   - Introspector: best-effort runtime state of roster devices
package sim
