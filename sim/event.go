package sim

import "github.com/sirupsen/logrus"

// Event defines the interface for all simulation events.
// Each event has a Timestamp (in simulated ms), a scheduling-order EventID
// used as deterministic tie-breaker, and an Execute method that advances
// simulation state when invoked.
type Event interface {
	Timestamp() int64
	EventID() uint64
	Execute(*Simulator)
}

// Tag identifies what an entity event means to the entity receiving it.
type Tag int

// Entity is a participant of the simulation that receives tagged events.
// All three callbacks run on the simulation goroutine.
type Entity interface {
	Name() string
	// StartEntity is called once, at simulated time 0, before the first event is dispatched.
	StartEntity(sim *Simulator)
	ProcessEvent(sim *Simulator, ev *EntityEvent)
	// ShutdownEntity is called once after the event loop has stopped.
	ShutdownEntity(sim *Simulator)
}

// EntityEvent delivers a tagged callback to an Entity at a simulated time.
type EntityEvent struct {
	time   int64
	id     uint64
	Target Entity
	Tag    Tag
}

// Timestamp returns the scheduled time of the EntityEvent.
func (e *EntityEvent) Timestamp() int64 {
	return e.time
}

// EventID returns the scheduling-order identifier of the EntityEvent.
func (e *EntityEvent) EventID() uint64 {
	return e.id
}

// Execute hands the event to its target entity.
func (e *EntityEvent) Execute(sim *Simulator) {
	logrus.Tracef("<< %s tag=%d at %d ms", e.Target.Name(), e.Tag, e.time)
	e.Target.ProcessEvent(sim, e)
}
