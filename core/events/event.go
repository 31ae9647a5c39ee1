package events

// Event represents a structured state change emitted by the escrow module.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (RPC readers, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default wired into engines until a caller installs a real sink.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
