package process

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/ebd/internal/events"
	"github.com/smazurov/ebd/internal/metrics"
)

// Pool hands out daemons by capability and keeps idle ones for reuse.
//
// A processor is in exactly one of the active and inactive sets while the
// pool tracks it. The mutex guards only the sets and is never held across
// pipe I/O.
type Pool struct {
	opts     PoolOptions
	logger   *slog.Logger
	events   *events.Bus
	mu       sync.Mutex
	active   []*Processor
	inactive []*Processor
}

// NewPool creates a new processor pool.
func NewPool(opts *PoolOptions) *Pool {
	if opts == nil {
		opts = &PoolOptions{}
	}
	o := *opts
	o.Options = o.Options.withDefaults()
	pl := &Pool{
		opts:   o,
		logger: o.Logger,
		events: o.Events,
	}
	if pl.opts.Spawn == nil {
		pl.opts.Spawn = func(ctx context.Context, userpriv, sandbox bool) (*Processor, error) {
			return Spawn(ctx, pl.opts.Options, userpriv, sandbox)
		}
	}
	if pl.opts.SandboxCapable == nil {
		pl.opts.SandboxCapable = pl.opts.Options.SandboxCapable
	}
	return pl
}

// Request returns a processor with the given capabilities, reusing an
// inactive one when it is still alive. A sandboxed daemon can serve an
// unsandboxed request since sandboxing is toggled per phase.
func (pl *Pool) Request(ctx context.Context, userpriv bool, sandbox SandboxMode) (*Processor, error) {
	wantSandbox := sandbox == SandboxOn || (sandbox == SandboxAuto && pl.opts.SandboxCapable())

	for {
		p := pl.takeInactive(userpriv, wantSandbox)
		if p == nil {
			break
		}
		if p.IsAlive() {
			metrics.RecordReuse()
			pl.events.Publish(events.ProcessorReusedEvent{ProcessorID: p.id, PID: p.PID(), Timestamp: time.Now()})
			pl.logger.Debug("Reusing processor", "processor_id", p.id)
			return p, nil
		}
		pl.logger.Info("Discarding dead processor", "processor_id", p.id)
		pl.remove(p)
		_ = p.Shutdown(ctx, true)
	}

	p, err := pl.opts.Spawn(ctx, userpriv, wantSandbox)
	if err != nil {
		return nil, err
	}
	p.onKilled = pl.KillAll

	pl.mu.Lock()
	pl.active = append(pl.active, p)
	pl.updateGauges()
	pl.mu.Unlock()

	metrics.RecordSpawn(userpriv, p.Sandboxed())
	pl.events.Publish(events.ProcessorSpawnedEvent{
		ProcessorID: p.id,
		PID:         p.PID(),
		Userpriv:    userpriv,
		Sandboxed:   p.Sandboxed(),
		Timestamp:   time.Now(),
	})
	return p, nil
}

// takeInactive moves the first matching inactive processor to active.
func (pl *Pool) takeInactive(userpriv, sandbox bool) *Processor {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for i, p := range pl.inactive {
		if p.Userprived() == userpriv && (p.Sandboxed() || !sandbox) {
			pl.inactive = slices.Delete(pl.inactive, i, i+1)
			pl.active = append(pl.active, p)
			pl.updateGauges()
			return p
		}
	}
	return nil
}

// remove drops p from whichever set holds it.
func (pl *Pool) remove(p *Processor) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.active = slices.DeleteFunc(pl.active, func(x *Processor) bool { return x == p })
	pl.inactive = slices.DeleteFunc(pl.inactive, func(x *Processor) bool { return x == p })
	pl.updateGauges()
}

// Release hands p back. A locked processor is mid-operation and is shut
// down instead of pooled. Returns false if p was not active.
func (pl *Pool) Release(p *Processor) bool {
	pl.mu.Lock()
	i := slices.Index(pl.active, p)
	if i < 0 {
		pl.mu.Unlock()
		pl.logger.Error("Released processor is not active", "processor_id", p.id)
		return false
	}
	pl.active = slices.Delete(pl.active, i, i+1)
	locked := p.Locked()
	if !locked {
		pl.inactive = append(pl.inactive, p)
	}
	pl.updateGauges()
	pl.mu.Unlock()

	if locked {
		pl.logger.Warn("Released processor is locked, shutting it down", "processor_id", p.id)
		_ = p.Shutdown(context.Background(), false)
	}
	pl.events.Publish(events.ProcessorReleasedEvent{ProcessorID: p.id, Pooled: !locked, Timestamp: time.Now()})
	return true
}

// Do runs fn on p, or on a freshly requested processor that is released
// afterwards when p is nil.
func (pl *Pool) Do(ctx context.Context, p *Processor, userpriv bool, sandbox SandboxMode, fn func(*Processor) error) error {
	if p != nil {
		return fn(p)
	}
	p, err := pl.Request(ctx, userpriv, sandbox)
	if err != nil {
		return err
	}
	defer pl.Release(p)
	return fn(p)
}

// drain empties both sets and returns their members.
func (pl *Pool) drain() []*Processor {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	all := append(slices.Clone(pl.active), pl.inactive...)
	pl.active = nil
	pl.inactive = nil
	pl.updateGauges()
	return all
}

// ShutdownAll shuts down every tracked processor. Errors are ignored since
// the daemons may already be gone.
func (pl *Pool) ShutdownAll() {
	all := pl.drain()
	if len(all) == 0 {
		return
	}
	pl.logger.Info("Shutting down all processors", "count", len(all))
	var wg sync.WaitGroup
	for _, p := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Shutdown(context.Background(), true); err != nil {
				pl.logger.Debug("Shutdown error ignored", "processor_id", p.id, "error", err)
			}
		}()
	}
	wg.Wait()
}

// ForgetAll clears both sets without shutting anything down.
func (pl *Pool) ForgetAll() {
	pl.drain()
}

// Processors returns a snapshot of every tracked processor.
func (pl *Pool) Processors() []*Info {
	pl.mu.Lock()
	all := append(slices.Clone(pl.active), pl.inactive...)
	pl.mu.Unlock()
	infos := make([]*Info, 0, len(all))
	for _, p := range all {
		infos = append(infos, p.Info())
	}
	return infos
}

// Size returns the number of active and inactive processors.
func (pl *Pool) Size() (active, inactive int) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.active), len(pl.inactive)
}

// KillAll SIGKILLs the process group of every tracked processor.
func (pl *Pool) KillAll() {
	pl.mu.Lock()
	all := append(slices.Clone(pl.active), pl.inactive...)
	pl.mu.Unlock()
	for _, p := range all {
		p.kill()
	}
}

// updateGauges must be called with mu held.
func (pl *Pool) updateGauges() {
	metrics.SetPoolSize(len(pl.active), len(pl.inactive))
}

var interruptOnce sync.Once

// HandleInterrupts kills every tracked process group on SIGINT, then calls
// onInterrupt. Only the first call per process installs the hook.
func (pl *Pool) HandleInterrupts(onInterrupt func()) {
	interruptOnce.Do(func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT)
		go func() {
			for sig := range sigCh {
				pl.logger.Warn("Received interrupt, killing all processors", "signal", sig.String())
				pl.KillAll()
				if onInterrupt != nil {
					onInterrupt()
				}
			}
		}()
	})
}
