package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/ebd/internal/config"
	"github.com/smazurov/ebd/internal/eclass"
	"github.com/smazurov/ebd/internal/events"
	"github.com/smazurov/ebd/internal/logging"
	"github.com/smazurov/ebd/internal/metrics"
	"github.com/smazurov/ebd/internal/metrics/exporters"
	"github.com/smazurov/ebd/internal/process"
	"github.com/spf13/cobra"
)

// session holds what one command invocation shares: the processor pool,
// the eclass index and the optional metrics endpoint.
type session struct {
	opts    *config.Options
	logger  *slog.Logger
	bus     *events.Bus
	pool    *process.Pool
	cache   process.EclassCache
	sandbox process.SandboxMode

	// eclassGen counts eclass changes; seen records the generation each
	// processor last preloaded under.
	eclassGen atomic.Uint64
	seen      sync.Map
	cleanups  []func()
}

// newSession builds the pool and eclass cache from opts. cancel is called
// when the user interrupts the run.
func newSession(ctx context.Context, opts *config.Options, cancel context.CancelFunc) (*session, error) {
	timeouts, err := opts.ParseTimeouts()
	if err != nil {
		return nil, err
	}
	sandbox, err := process.ParseSandboxMode(opts.Sandbox)
	if err != nil {
		return nil, err
	}

	s := &session{
		opts:    opts,
		logger:  logging.GetLogger("ebd"),
		bus:     events.New(),
		sandbox: sandbox,
	}
	s.subscribe()

	if opts.MetricsAddr != "" {
		metricsCtx, stop := context.WithCancel(ctx)
		if _, err := exporters.Serve(metricsCtx, opts.MetricsAddr, logging.GetLogger("metrics")); err != nil {
			stop()
			return nil, fmt.Errorf("metrics listener: %w", err)
		}
		s.cleanups = append(s.cleanups, stop)
	}

	if err := s.loadEclasses(); err != nil {
		s.close()
		return nil, err
	}

	s.pool = process.NewPool(&process.PoolOptions{
		Options: process.Options{
			EbdDir:           opts.EbdDir,
			BashBinary:       opts.BashBinary,
			SandboxBinary:    opts.SandboxBinary,
			PathPrepend:      opts.PathPrepend,
			Interpreter:      opts.Interpreter,
			LibraryPath:      opts.LibraryPath,
			HelpersDir:       opts.HelpersDir,
			BuildUID:         opts.BuildUID,
			BuildGID:         opts.BuildGID,
			HandshakeTimeout: timeouts.Handshake,
			AliveTimeout:     timeouts.Alive,
			KillTimeout:      timeouts.Kill,
			Logger:           logging.GetLogger("process"),
			Events:           s.bus,
		},
	})
	s.pool.HandleInterrupts(cancel)
	return s, nil
}

func (s *session) loadEclasses() error {
	if len(s.opts.EclassDirs) == 0 {
		s.cache = eclass.NewMemoryCache()
		return nil
	}

	dirs, err := eclass.NewDirCache(s.opts.EclassDirs, logging.GetLogger("eclass"))
	if err != nil {
		return err
	}
	s.cache = dirs

	if s.opts.EclassWatch {
		if _, err := dirs.Watch(time.Second, func([]string) { s.eclassGen.Add(1) }); err != nil {
			return err
		}
		s.cleanups = append(s.cleanups, func() {
			if err := dirs.Close(); err != nil {
				s.logger.Warn("Failed to stop eclass watcher", "error", err)
			}
		})
	}
	return nil
}

// subscribe logs lifecycle events.
func (s *session) subscribe() {
	log := logging.GetLogger("events")
	s.bus.Subscribe(func(e events.ProcessorSpawnedEvent) {
		log.Debug("Processor spawned", "processor_id", e.ProcessorID, "pid", e.PID, "userpriv", e.Userpriv, "sandboxed", e.Sandboxed)
	})
	s.bus.Subscribe(func(e events.ProcessorShutdownEvent) {
		log.Debug("Processor shut down", "processor_id", e.ProcessorID, "graceful", e.Graceful)
	})
	s.bus.Subscribe(func(e events.PhaseFinishedEvent) {
		if !e.Succeeded {
			log.Warn("Phase failed", "processor_id", e.ProcessorID, "phase", e.Phase, "error", e.Error)
		}
	})
	s.bus.Subscribe(func(e events.EclassesPreloadedEvent) {
		log.Debug("Eclasses preloaded", "processor_id", e.ProcessorID, "count", len(e.Eclasses))
	})
}

// processor requests a daemon configured for this session.
func (s *session) processor(ctx context.Context) (*process.Processor, error) {
	p, err := s.pool.Request(ctx, s.opts.Userpriv, s.sandbox)
	if err != nil {
		return nil, err
	}
	gen := s.eclassGen.Load()
	prev, known := s.seen.Swap(p.ID(), gen)
	if known && prev.(uint64) != gen && len(p.Preloaded()) > 0 {
		s.logger.Info("Eclasses changed, clearing preloads", "processor_id", p.ID())
		if _, err := p.ClearPreloadedEclasses(); err != nil {
			s.pool.Release(p)
			return nil, err
		}
	}
	if s.opts.EclassCaching && !p.EclassCaching() {
		p.AllowEclassCaching()
	}
	return p, nil
}

// close shuts every daemon down and logs the run's totals.
func (s *session) close() {
	if s.pool != nil {
		s.pool.ShutdownAll()
	}
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}

	m := metrics.Current()
	s.logger.Debug("Session totals",
		"spawned", m.Spawned,
		"reused", m.Reused,
		"shutdowns", m.Shutdowns,
		"phases", m.Phases,
		"phase_failures", m.PhaseFailures,
		"eclass_preloads", m.EclassPreloads,
	)
}

// withSession runs fn inside a session that is torn down afterwards.
func withSession(c *cobra.Command, opts *config.Options, fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithCancel(c.Context())
	defer cancel()

	s, err := newSession(ctx, opts, cancel)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}
