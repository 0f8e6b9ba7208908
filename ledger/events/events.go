package events

// Event represents a structured fact emitted after a successful ledger
// mutation. Attributes carry the resulting totals and status so downstream
// consumers never have to re-read the record.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter broadcasts events to downstream subscribers (service layer,
// webhook dispatchers, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// It is the default when a component does not care about notifications.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
