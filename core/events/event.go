package events

// Event is anything the engine can announce; concrete payloads expose more
// than the type tag, but subscribers that only route on it need nothing else.
type Event interface {
	EventType() string
}

// Emitter receives every committed state transition. Implementations must not
// block; the engine calls Emit synchronously after the write lands.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards everything. It is the engine default so event wiring
// stays optional.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}
