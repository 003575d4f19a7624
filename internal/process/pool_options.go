package process

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/smazurov/ebd/internal/events"
)

// Options configures spawned daemons.
type Options struct {
	// EbdDir holds ebuild-daemon.bash and is the daemon's working directory.
	EbdDir string
	// BashBinary runs the daemon script.
	BashBinary string
	// SandboxBinary wraps sandboxed daemons. Empty disables sandboxing.
	SandboxBinary string
	// PathPrepend is forced to the front of the daemon's PATH.
	PathPrepend []string
	// Interpreter is announced to the daemon for helper callbacks.
	// Defaults to the running executable.
	Interpreter string
	// LibraryPath is announced to the daemon as a colon separated search path.
	LibraryPath []string
	// HelpersDir holds per-EAPI helper directories.
	HelpersDir string

	// BuildUID and BuildGID are the reduced-privilege identity.
	BuildUID uint32
	BuildGID uint32

	HandshakeTimeout time.Duration
	AliveTimeout     time.Duration
	KillTimeout      time.Duration

	// Logger for processor operations. If nil, uses slog.Default().
	Logger *slog.Logger
	// Events receives lifecycle events (optional).
	Events *events.Bus
}

// withDefaults fills unset fields.
func (o Options) withDefaults() Options {
	if o.BashBinary == "" {
		o.BashBinary = "/bin/bash"
	}
	if o.Interpreter == "" {
		if exe, err := os.Executable(); err == nil {
			o.Interpreter = exe
		}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.AliveTimeout <= 0 {
		o.AliveTimeout = 10 * time.Second
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// SpawnFunc creates a handshaken processor with the given capabilities.
// Used to substitute how daemons are started (e.g., in tests).
type SpawnFunc func(ctx context.Context, userpriv, sandbox bool) (*Processor, error)

// PoolOptions configures a new Pool.
type PoolOptions struct {
	Options

	// Spawn replaces the default daemon spawner (optional).
	Spawn SpawnFunc

	// SandboxCapable overrides host sandbox detection for SandboxAuto (optional).
	SandboxCapable func() bool
}
