// Package eclass provides the eclass indexes that answer daemon inherit
// requests and feed eclass preloading.
package eclass

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/ebd/internal/config"
	"github.com/smazurov/ebd/internal/process"
)

// Suffix is the file extension of eclass sources.
const Suffix = ".eclass"

// MemoryCache is an EclassCache populated by hand.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*process.Eclass
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*process.Eclass)}
}

// AddPath registers an eclass the daemon can source from disk.
func (c *MemoryCache) AddPath(name, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = fileEclass(name, path)
}

// AddText registers an eclass that only exists in memory.
func (c *MemoryCache) AddText(name, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = &process.Eclass{
		Name: name,
		Text: func() (string, error) { return text, nil },
	}
}

// Eclass looks up name.
func (c *MemoryCache) Eclass(name string) (*process.Eclass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ec, ok := c.entries[name]
	return ec, ok
}

// Eclasses returns a copy of the index.
func (c *MemoryCache) Eclasses() map[string]*process.Eclass {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.entries)
}

func fileEclass(name, path string) *process.Eclass {
	return &process.Eclass{
		Name: name,
		Path: path,
		Text: func() (string, error) {
			data, err := os.ReadFile(path)
			return string(data), err
		},
	}
}

// entry is one indexed eclass file.
type entry struct {
	path    string
	size    int64
	modTime time.Time
}

// index maps eclass names to the file that wins for them.
type index map[string]entry

// scan indexes the *.eclass files of dirs. A name found in several
// directories resolves to the last one.
func scan(dirs []string) (index, error) {
	idx := make(index)
	for _, dir := range dirs {
		ents, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("scanning eclass dir %s: %w", dir, err)
		}
		for _, de := range ents {
			name, ok := strings.CutSuffix(de.Name(), Suffix)
			if !ok || name == "" || de.IsDir() {
				continue
			}
			info, err := de.Info()
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			idx[name] = entry{
				path:    filepath.Join(dir, de.Name()),
				size:    info.Size(),
				modTime: info.ModTime(),
			}
		}
	}
	return idx, nil
}

// changed returns the sorted names that were added, removed or modified
// between old and cur.
func changed(old, cur index) []string {
	var names []string
	for name, e := range cur {
		if prev, ok := old[name]; !ok || prev != e {
			names = append(names, name)
		}
	}
	for name := range old {
		if _, ok := cur[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// DirCache indexes eclass directories on disk.
type DirCache struct {
	dirs   []string
	logger *slog.Logger

	mu       sync.RWMutex
	idx      index
	watchers []*config.Watcher[index]
}

// NewDirCache scans dirs. Later directories override earlier ones, the way
// overlay repositories shadow their masters.
func NewDirCache(dirs []string, logger *slog.Logger) (*DirCache, error) {
	if len(dirs) == 0 {
		return nil, errors.New("no eclass directories configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	idx, err := scan(dirs)
	if err != nil {
		return nil, err
	}
	logger.Debug("Indexed eclasses", "dirs", dirs, "count", len(idx))
	return &DirCache{dirs: slices.Clone(dirs), logger: logger, idx: idx}, nil
}

// Eclass looks up name.
func (c *DirCache) Eclass(name string) (*process.Eclass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.idx[name]
	if !ok {
		return nil, false
	}
	return fileEclass(name, e.path), true
}

// Eclasses returns every indexed eclass.
func (c *DirCache) Eclasses() map[string]*process.Eclass {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*process.Eclass, len(c.idx))
	for name, e := range c.idx {
		out[name] = fileEclass(name, e.path)
	}
	return out
}

// Reload rescans the directories and returns the names that changed.
func (c *DirCache) Reload() ([]string, error) {
	idx, err := scan(c.dirs)
	if err != nil {
		return nil, err
	}
	return c.swap(idx), nil
}

func (c *DirCache) swap(idx index) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := changed(c.idx, idx)
	c.idx = idx
	return names
}

// Watch reloads the index whenever an eclass file in one of the directories
// changes and reports the changed names to onChange. The returned function
// stops watching.
func (c *DirCache) Watch(debounce time.Duration, onChange func(names []string)) (func() error, error) {
	isEclass := func(name string) bool { return strings.HasSuffix(name, Suffix) }

	watchers := make([]*config.Watcher[index], 0, len(c.dirs))
	stopAll := func() error {
		var errs []error
		for _, w := range watchers {
			errs = append(errs, w.Stop())
		}
		return errors.Join(errs...)
	}

	for _, dir := range c.dirs {
		w := config.NewConfigWatcher(dir,
			func(string) (index, error) { return scan(c.dirs) },
			c.logger,
			config.WithDebounce[index](debounce),
			config.WithFilter[index](isEclass),
			config.WithErrorHandler[index](func(err error) {
				c.logger.Warn("Eclass rescan failed, keeping previous index", "error", err)
			}),
		)
		w.OnReload(func(idx index) {
			names := c.swap(idx)
			if len(names) == 0 {
				return
			}
			c.logger.Info("Eclasses changed", "eclasses", names)
			if onChange != nil {
				onChange(names)
			}
		})
		if err := w.Start(); err != nil {
			_ = stopAll()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
		watchers = append(watchers, w)
	}

	c.mu.Lock()
	c.watchers = append(c.watchers, watchers...)
	c.mu.Unlock()
	return stopAll, nil
}

// Close stops every watcher started by Watch.
func (c *DirCache) Close() error {
	c.mu.Lock()
	watchers := c.watchers
	c.watchers = nil
	c.mu.Unlock()

	var errs []error
	for _, w := range watchers {
		errs = append(errs, w.Stop())
	}
	return errors.Join(errs...)
}

var (
	_ process.EclassCache = (*MemoryCache)(nil)
	_ process.EclassCache = (*DirCache)(nil)
)
