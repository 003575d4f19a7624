package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/ebd/internal/events"
	"github.com/smazurov/ebd/internal/metrics"
)

// asyncExpect is a pipelined acknowledgement awaiting verification.
type asyncExpect struct {
	flush bool
	want  string
}

// Processor is one running ebuild daemon.
//
// Protocol calls are not safe for concurrent use; a processor is owned by
// whoever requested it from the pool. Lifecycle accessors may be called
// from any goroutine.
type Processor struct {
	id        string
	proc      daemon
	rf        *os.File // daemon -> controller
	wf        *os.File // controller -> daemon
	r         *bufio.Reader
	w         *bufio.Writer
	opts      Options
	logger    *slog.Logger
	events    *events.Bus
	startedAt time.Time

	userprived bool
	sandboxed  bool

	// onKilled runs when the daemon reports a keyboard interrupt.
	onKilled func()

	mu     sync.Mutex
	pid    int // 0 once the daemon is gone
	state  State
	locked bool

	preloaded     map[string]string
	eclassCaching bool
	metadataPaths []string
	metadataSet   bool
	outstanding   []asyncExpect
	sandboxLog    string
	dontExport    map[string]bool
	closeOnce     sync.Once
}

func newProcessor(id string, d daemon, rf, wf *os.File, opts Options, userpriv, sandbox bool) *Processor {
	opts = opts.withDefaults()
	return &Processor{
		id:         id,
		proc:       d,
		rf:         rf,
		wf:         wf,
		r:          bufio.NewReader(rf),
		w:          bufio.NewWriter(wf),
		opts:       opts,
		logger:     opts.Logger.With("processor_id", id, "pid", d.Pid()),
		events:     opts.Events,
		startedAt:  time.Now(),
		userprived: userpriv,
		sandboxed:  sandbox,
		pid:        d.Pid(),
		state:      StateSpawning,
		locked:     true,
		preloaded:  make(map[string]string),
		dontExport: make(map[string]bool),
	}
}

// ID returns the processor's unique identifier.
func (p *Processor) ID() string { return p.id }

// PID returns the daemon pid, or 0 once it is gone.
func (p *Processor) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Sandboxed reports whether the daemon runs under the sandbox wrapper.
func (p *Processor) Sandboxed() bool { return p.sandboxed }

// Userprived reports whether the daemon runs with reduced privileges.
func (p *Processor) Userprived() bool { return p.userprived }

// State returns the lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// DontExport returns the variable names the daemon refuses to import.
func (p *Processor) DontExport() []string {
	names := make([]string, 0, len(p.dontExport))
	for k := range p.dontExport {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Info returns a snapshot of the processor.
func (p *Processor) Info() *Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Info{
		ID:         p.id,
		State:      p.state,
		PID:        p.pid,
		Userpriv:   p.userprived,
		Sandboxed:  p.sandboxed,
		StartedAt:  p.startedAt,
		Preloaded:  len(p.preloaded),
		SandboxLog: p.sandboxLog,
	}
}

// Lock marks the processor as mid-operation. Advisory only.
func (p *Processor) Lock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked = true
	if p.state == StateIdle {
		p.state = StateLocked
	}
}

// Unlock marks the processor as idle.
func (p *Processor) Unlock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked = false
	if p.state == StateLocked || p.state == StateHandshaking {
		p.state = StateIdle
	}
}

// Locked reports whether the processor is mid-operation.
func (p *Processor) Locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// handshake greets the daemon and exchanges static configuration.
func (p *Processor) handshake(ctx context.Context) error {
	p.setState(StateHandshaking)
	stop := p.watchContext(ctx)
	defer stop()

	if err := p.Write("dude?"); err != nil {
		return err
	}
	ok, err := p.Expect("dude!", ExpectOptions{Timeout: p.opts.HandshakeTimeout})
	if err != nil {
		return err
	}
	if !ok {
		p.logger.Error("Error in server coms, bailing")
		return errors.New("expected 'dude!' response from ebd, which wasn't received")
	}

	for _, line := range []string{p.opts.EbdDir, p.opts.Interpreter, strings.Join(p.opts.LibraryPath, ":")} {
		if err := p.Write(line); err != nil {
			return err
		}
	}

	if p.sandboxed {
		if err := p.Write("sandbox_log?"); err != nil {
			return err
		}
		line, err := p.readLine()
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return &InternalError{Line: line, Msg: "daemon didn't report a sandbox log"}
		}
		p.sandboxLog = fields[0]
	} else if err := p.Write("no_sandbox"); err != nil {
		return err
	}

	line, err := p.readLine()
	if err != nil {
		return err
	}
	for _, name := range strings.Fields(line) {
		p.dontExport[name] = true
	}

	p.Unlock()
	p.logger.Debug("Handshake complete", "sandbox_log", p.sandboxLog, "dont_export", len(p.dontExport))
	return nil
}

// IsAlive checks the process table and then pings the daemon.
// A pid reused by an unrelated process passes the first step and fails
// only once the ping times out.
func (p *Processor) IsAlive() bool {
	if p.PID() == 0 {
		return false
	}
	if !p.proc.Running() {
		p.markDead()
		return false
	}
	if err := p.Write("alive"); err != nil {
		return false
	}
	ok, err := p.Expect("yep!", ExpectOptions{Timeout: p.opts.AliveTimeout})
	if err != nil {
		p.logger.Debug("Liveness check failed", "error", err)
		return false
	}
	return ok
}

// Shutdown asks the daemon to exit, or SIGTERMs its process group when it
// no longer answers, then waits for it. Calling it again is a no-op.
// Cancelling ctx while waiting kills the group; the cancellation is
// returned unless ignoreInterrupt is set.
func (p *Processor) Shutdown(ctx context.Context, ignoreInterrupt bool) error {
	pid := p.PID()
	if pid == 0 {
		// Already reaped; the pipes may still be open.
		p.closePipes()
		return nil
	}
	p.setState(StateShuttingDown)

	graceful := p.IsAlive()
	if graceful {
		if err := p.Write("shutdown_daemon"); err != nil {
			p.logger.Debug("Failed to send shutdown_daemon", "error", err)
		}
		p.closePipes()
	} else {
		p.closePipes()
		if err := p.proc.SignalGroup(syscall.SIGTERM); err != nil {
			p.logger.Warn("Failed to SIGTERM process group", "error", err)
		}
	}

	var err error
	select {
	case <-p.proc.Done():
	case <-ctx.Done():
		p.logger.Warn("Interrupted while waiting for daemon, killing group")
		p.killAndWait()
		if !ignoreInterrupt {
			err = ctx.Err()
		}
	case <-time.After(p.opts.KillTimeout):
		p.logger.Warn("Daemon slow to exit, killing group", "timeout", p.opts.KillTimeout)
		p.killAndWait()
	}

	p.markDead()
	metrics.RecordShutdown(graceful)
	p.events.Publish(events.ProcessorShutdownEvent{
		ProcessorID: p.id,
		PID:         pid,
		Graceful:    graceful,
		Timestamp:   time.Now(),
	})
	p.logger.Info("Daemon shut down", "graceful", graceful)
	return err
}

// Close shuts the daemon down if it is still running.
func (p *Processor) Close() error {
	if p.PID() == 0 {
		p.closePipes()
		return nil
	}
	return p.Shutdown(context.Background(), true)
}

// abort tears down a daemon that never became usable, without talking to it.
func (p *Processor) abort() {
	if p.PID() == 0 {
		p.closePipes()
		return
	}
	p.closePipes()
	p.killAndWait()
	p.markDead()
}

// kill SIGKILLs the daemon's process group.
func (p *Processor) kill() {
	if p.PID() == 0 {
		return
	}
	if err := p.proc.SignalGroup(syscall.SIGKILL); err != nil {
		p.logger.Warn("Failed to kill process group", "error", err)
	}
}

// killAndWait SIGKILLs the group and waits a bounded time for the reap.
func (p *Processor) killAndWait() {
	_ = p.proc.SignalGroup(syscall.SIGKILL)
	select {
	case <-p.proc.Done():
	case <-time.After(p.opts.KillTimeout):
		p.logger.Error("Daemon did not exit after kill signal")
	}
}

func (p *Processor) markDead() {
	p.mu.Lock()
	p.pid = 0
	p.state = StateDead
	p.mu.Unlock()
}

func (p *Processor) closePipes() {
	p.closeOnce.Do(func() {
		_ = p.w.Flush()
		p.wf.Close()
		p.rf.Close()
	})
}

// watchContext makes blocked reads return once ctx is done.
func (p *Processor) watchContext(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = p.rf.SetReadDeadline(time.Now())
	})
}

func (p *Processor) String() string {
	return fmt.Sprintf("ebd[%s pid=%d]", p.id, p.PID())
}
