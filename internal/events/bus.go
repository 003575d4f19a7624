package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers.
// A nil bus drops the event, so components can run without one.
// Usage: bus.Publish(ProcessorSpawnedEvent{...})
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case ProcessorSpawnedEvent:
		event.Publish(b.dispatcher, e)
	case ProcessorReusedEvent:
		event.Publish(b.dispatcher, e)
	case ProcessorReleasedEvent:
		event.Publish(b.dispatcher, e)
	case ProcessorShutdownEvent:
		event.Publish(b.dispatcher, e)
	case PhaseFinishedEvent:
		event.Publish(b.dispatcher, e)
	case EclassesPreloadedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type determines which events it receives.
// Returns an unsubscribe function; unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e PhaseFinishedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	if b == nil {
		return func() {}
	}
	switch h := handler.(type) {
	case func(ProcessorSpawnedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ProcessorReusedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ProcessorReleasedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ProcessorShutdownEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(PhaseFinishedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(EclassesPreloadedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
