package bus

import "time"

// Event represents a domain event published on the bus.
// ID is assigned by Publish when left empty so subscribers can
// correlate log lines across background work.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}
