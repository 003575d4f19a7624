package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/smazurov/ebd/internal/events"
	"github.com/smazurov/ebd/internal/metrics"
)

// Eclass is one inheritable bash library.
type Eclass struct {
	Name string
	// Path is empty when the eclass only exists in memory.
	Path string
	// Text returns the eclass source.
	Text func() (string, error)
}

// EclassCache looks eclasses up by name.
type EclassCache interface {
	Eclass(name string) (*Eclass, bool)
	Eclasses() map[string]*Eclass
}

// PreloadEclass has the daemon source the eclass at path into its
// function table.
func (p *Processor) PreloadEclass(path string, async bool) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		p.logger.Error("Eclass preload failed", "path", path, "error", err)
		return false, nil
	}
	if err := p.write("preload_eclass "+path, !async); err != nil {
		return false, err
	}
	return p.Expect("preload_eclass succeeded", ExpectOptions{Async: async, Flush: true})
}

// PreloadEclasses preloads every eclass in cache (or just limitedTo) whose
// path differs from what the daemon already holds. Unless async, the
// acknowledgements are verified before returning.
func (p *Processor) PreloadEclasses(cache EclassCache, async bool, limitedTo []string) (bool, error) {
	all := cache.Eclasses()
	names := limitedTo
	if len(names) == 0 {
		names = make([]string, 0, len(all))
		for name := range all {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var loaded []string
	for _, name := range names {
		ec, ok := all[name]
		if !ok || ec.Path == "" {
			continue
		}
		if cur, ok := p.preloaded[name]; ok && cur == ec.Path {
			continue
		}
		ok, err := p.PreloadEclass(ec.Path, true)
		if err != nil {
			return false, err
		}
		if ok {
			p.preloaded[name] = ec.Path
			loaded = append(loaded, name)
		}
	}

	if len(loaded) > 0 {
		metrics.AddEclassPreloads(len(loaded))
		p.events.Publish(events.EclassesPreloadedEvent{
			ProcessorID: p.id,
			Eclasses:    loaded,
			Timestamp:   time.Now(),
		})
	}

	if !async {
		return p.Drain()
	}
	return true, nil
}

// ClearPreloadedEclasses has the daemon forget its preloaded functions.
// A daemon that fails to do so is shut down, its function table can no
// longer be trusted.
func (p *Processor) ClearPreloadedEclasses() (bool, error) {
	if p.IsAlive() {
		if err := p.Write("clear_preloaded_eclasses"); err != nil {
			return false, err
		}
		ok, err := p.Expect("clear_preload_eclasses succeeded", ExpectOptions{Flush: true})
		if err != nil || !ok {
			p.logger.Warn("Failed clearing preloaded eclasses, shutting down", "error", err)
			shutdownErr := p.Shutdown(context.Background(), true)
			return false, errors.Join(err, shutdownErr)
		}
	}
	clear(p.preloaded)
	return true, nil
}

// Preloaded returns a copy of the name to path map of preloaded eclasses.
func (p *Processor) Preloaded() map[string]string {
	m := make(map[string]string, len(p.preloaded))
	for k, v := range p.preloaded {
		m[k] = v
	}
	return m
}

// EclassCaching reports whether metadata runs feed preloads.
func (p *Processor) EclassCaching() bool { return p.eclassCaching }

// AllowEclassCaching lets metadata runs preload the eclasses they inherit.
func (p *Processor) AllowEclassCaching() {
	p.eclassCaching = true
}

// DisableEclassCaching clears preloaded eclasses and stops caching.
func (p *Processor) DisableEclassCaching() error {
	_, err := p.ClearPreloadedEclasses()
	p.eclassCaching = false
	return err
}

// InheritHandler answers request_inherit from cache. Served names are added
// to updates when it is non-nil.
func InheritHandler(cache EclassCache, updates map[string]bool) Handler {
	return func(p *Processor, arg string) error {
		name := strings.TrimSpace(arg)
		if name == "" {
			metrics.RecordInherit(metrics.InheritFailed)
			if err := p.Write("failed"); err != nil {
				return err
			}
			return &UnhandledCommandError{Line: "inherit requires an eclass specified, none specified"}
		}

		ec, ok := cache.Eclass(name)
		if !ok {
			metrics.RecordInherit(metrics.InheritFailed)
			if err := p.Write("failed"); err != nil {
				return err
			}
			return &UnhandledCommandError{Line: fmt.Sprintf("inherit requires an unknown eclass, %s cannot be found", name)}
		}

		if ec.Path != "" {
			metrics.RecordInherit(metrics.InheritPath)
			if err := p.Write("path"); err != nil {
				return err
			}
			if err := p.Write(ec.Path); err != nil {
				return err
			}
		} else {
			if ec.Text == nil {
				return &InternalError{Line: name, Msg: "eclass has neither path nor text"}
			}
			text, err := ec.Text()
			if err != nil {
				return fmt.Errorf("reading eclass %s: %w", name, err)
			}
			metrics.RecordInherit(metrics.InheritTransfer)
			if err := p.Write("transfer"); err != nil {
				return err
			}
			if err := p.Write(text); err != nil {
				return err
			}
		}

		if updates != nil {
			updates[name] = true
		}
		return nil
	}
}
