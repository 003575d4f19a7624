package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeProcessorSpawned uint32 = iota + 1
	TypeProcessorReused
	TypeProcessorReleased
	TypeProcessorShutdown
	TypePhaseFinished
	TypeEclassesPreloaded
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ProcessorSpawnedEvent is published after a new daemon completed its handshake.
type ProcessorSpawnedEvent struct {
	ProcessorID string    `json:"processor_id"`
	PID         int       `json:"pid"`
	Userpriv    bool      `json:"userpriv"`
	Sandboxed   bool      `json:"sandboxed"`
	Timestamp   time.Time `json:"timestamp"`
}

// Type returns the event type identifier for ProcessorSpawnedEvent.
func (e ProcessorSpawnedEvent) Type() uint32 { return TypeProcessorSpawned }

// ProcessorReusedEvent is published when the pool hands out an inactive daemon.
type ProcessorReusedEvent struct {
	ProcessorID string    `json:"processor_id"`
	PID         int       `json:"pid"`
	Timestamp   time.Time `json:"timestamp"`
}

// Type returns the event type identifier for ProcessorReusedEvent.
func (e ProcessorReusedEvent) Type() uint32 { return TypeProcessorReused }

// ProcessorReleasedEvent is published when a daemon is handed back to the pool.
// Pooled is false when the pool discarded it instead.
type ProcessorReleasedEvent struct {
	ProcessorID string    `json:"processor_id"`
	Pooled      bool      `json:"pooled"`
	Timestamp   time.Time `json:"timestamp"`
}

// Type returns the event type identifier for ProcessorReleasedEvent.
func (e ProcessorReleasedEvent) Type() uint32 { return TypeProcessorReleased }

// ProcessorShutdownEvent is published once a daemon has been torn down.
type ProcessorShutdownEvent struct {
	ProcessorID string    `json:"processor_id"`
	PID         int       `json:"pid"`
	Graceful    bool      `json:"graceful"`
	Timestamp   time.Time `json:"timestamp"`
}

// Type returns the event type identifier for ProcessorShutdownEvent.
func (e ProcessorShutdownEvent) Type() uint32 { return TypeProcessorShutdown }

// PhaseFinishedEvent reports the outcome of one ebuild phase.
type PhaseFinishedEvent struct {
	ProcessorID string        `json:"processor_id"`
	Phase       string        `json:"phase"`
	Succeeded   bool          `json:"succeeded"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Type returns the event type identifier for PhaseFinishedEvent.
func (e PhaseFinishedEvent) Type() uint32 { return TypePhaseFinished }

// EclassesPreloadedEvent lists eclasses a daemon preloaded in one batch.
type EclassesPreloadedEvent struct {
	ProcessorID string    `json:"processor_id"`
	Eclasses    []string  `json:"eclasses"`
	Timestamp   time.Time `json:"timestamp"`
}

// Type returns the event type identifier for EclassesPreloadedEvent.
func (e EclassesPreloadedEvent) Type() uint32 { return TypeEclassesPreloaded }
