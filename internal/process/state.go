package process

import "time"

// State represents the lifecycle state of a daemon.
type State string

// Processor states.
const (
	StateSpawning     State = "spawning"      // Being forked
	StateHandshaking  State = "handshaking"   // Exchanging static configuration
	StateIdle         State = "idle"          // Alive and available
	StateLocked       State = "locked"        // Mid-operation
	StateShuttingDown State = "shutting_down" // Being torn down
	StateDead         State = "dead"          // Gone, never reused
)

// Info contains information about a processor.
type Info struct {
	ID         string
	State      State
	PID        int
	Userpriv   bool
	Sandboxed  bool
	StartedAt  time.Time
	Preloaded  int
	SandboxLog string
}
