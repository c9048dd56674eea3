package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Registry holds the loaded models for a project directory keyed by name.
// It is populated by LoadDir and kept current by Watch; callers needing a
// point-in-time snapshot should copy the map returned by Snapshot rather
// than hold the Registry's internal map across goroutines.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
	log    *logrus.Entry
}

// NewRegistry returns an empty Registry. log may be nil, in which case a
// fresh logger writing to stderr is used.
func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		log = logrus.NewEntry(l)
	}
	return &Registry{models: map[string]*Model{}, log: log.WithField("component", "model.Registry")}
}

// Snapshot returns a shallow copy of the currently loaded models.
func (r *Registry) Snapshot() map[string]*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Model, len(r.models))
	for k, v := range r.models {
		out[k] = v
	}
	return out
}

// Put installs or replaces a model definition. LoadDir and tests call this
// directly once the model file has been parsed by the (external) parser.
func (r *Registry) Put(m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Name] = m
	return nil
}

// Get returns the named model and whether it was found.
func (r *Registry) Get(name string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// LoadDir walks dir for files matching *.sql and parses each with parseFn,
// installing the result into the registry. Parsing itself (header, macros,
// SELECT body) is delegated to parseFn since the SQL grammar is an external
// collaborator; LoadDir only owns file discovery and registry
// bookkeeping.
func (r *Registry) LoadDir(dir string, parseFn func(path string, contents []byte) (*Model, error)) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read model file %s: %w", path, err)
		}
		m, err := parseFn(path, contents)
		if err != nil {
			return fmt.Errorf("parse model file %s: %w", path, err)
		}
		return r.Put(m)
	})
}

// Watch monitors dir for *.sql changes and re-runs parseFn on each modified
// file, debounced, calling onChanged after the registry has been updated.
// Falls back to polling if fsnotify cannot be initialized, matching the
// degrade-rather-than-fail posture of a local file watcher.
func (r *Registry) Watch(dir string, parseFn func(path string, contents []byte) (*Model, error), onChanged func(name string)) (stop func(), err error) {
	watcher, werr := fsnotify.NewWatcher()
	if werr != nil {
		r.log.WithError(werr).Warn("fsnotify unavailable, falling back to polling")
		return r.watchPolling(dir, parseFn, onChanged)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	debounced := newDebouncer(300*time.Millisecond, func() {})
	pending := map[string]bool{}
	var pendingMu sync.Mutex

	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".sql") {
					continue
				}
				pendingMu.Lock()
				pending[ev.Name] = true
				pendingMu.Unlock()
				debounced.trigger(func() {
					pendingMu.Lock()
					names := make([]string, 0, len(pending))
					for p := range pending {
						names = append(names, p)
					}
					pending = map[string]bool{}
					pendingMu.Unlock()
					for _, path := range names {
						contents, err := os.ReadFile(path)
						if err != nil {
							r.log.WithError(err).WithField("path", path).Warn("model file unreadable after change event")
							continue
						}
						m, err := parseFn(path, contents)
						if err != nil {
							r.log.WithError(err).WithField("path", path).Warn("model reparse failed")
							continue
						}
						if err := r.Put(m); err != nil {
							r.log.WithError(err).WithField("path", path).Warn("model registry update rejected")
							continue
						}
						onChanged(m.Name)
					}
				})
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.WithError(werr).Warn("model watcher error")
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

func (r *Registry) watchPolling(dir string, parseFn func(path string, contents []byte) (*Model, error), onChanged func(name string)) (func(), error) {
	done := make(chan struct{})
	mtimes := map[string]time.Time{}
	ticker := time.NewTicker(2 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
					if err != nil || d.IsDir() || !strings.HasSuffix(path, ".sql") {
						return nil
					}
					info, err := d.Info()
					if err != nil {
						return nil
					}
					if prev, ok := mtimes[path]; ok && !info.ModTime().After(prev) {
						return nil
					}
					mtimes[path] = info.ModTime()
					contents, err := os.ReadFile(path)
					if err != nil {
						return nil
					}
					m, err := parseFn(path, contents)
					if err != nil {
						r.log.WithError(err).WithField("path", path).Warn("model reparse failed")
						return nil
					}
					if err := r.Put(m); err == nil {
						onChanged(m.Name)
					}
					return nil
				})
			}
		}
	}()
	return func() { close(done) }, nil
}

// debouncer coalesces bursts of trigger calls into a single fn invocation
// after the quiet period elapses.
type debouncer struct {
	mu     sync.Mutex
	timer  *time.Timer
	period time.Duration
}

func newDebouncer(period time.Duration, _ func()) *debouncer {
	return &debouncer{period: period}
}

func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.period, fn)
}
