// Package cond implements the condition store: named tri-valued
// predicates (on / off / flux) backed by sentinel files under a tmpfs
// directory, e.g. pid/zebra, net/eth0/up, hook/system-up. A thin wrapper
// over the filesystem, not a bespoke binary format, so external tools and
// plugins can assert conditions with plain file writes.
package cond

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kornnellio/gosv/internal/svc"
)

const (
	sentinelOn   = "on"
	sentinelFlux = "flux"
)

// Store is the condition store. Writes and reads before MarkAvailable has
// been called are no-ops/ON respectively: before base filesystems are up
// there is nowhere durable to write, so writes are dropped, not queued.
type Store struct {
	mu        sync.RWMutex
	dir       string
	available bool

	watcher *fsnotify.Watcher
	// Changes receives the name of any condition that changed via an
	// external write (e.g. a plugin), so the supervisor can fold it into
	// the next step pass as a cond_change event — observed by the next
	// step, never during the current one.
	Changes chan string
}

// New returns a Store rooted at dir. The directory is not created here —
// callers call MarkAvailable once base filesystems are confirmed mounted.
func New(dir string) *Store {
	return &Store{dir: dir, Changes: make(chan string, 64)}
}

// MarkAvailable opens the store for business: creates dir if needed and
// starts watching it for external writes via fsnotify, replacing what
// would otherwise be a polling loop.
func (s *Store) MarkAvailable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	s.available = true

	w, err := fsnotify.NewWatcher()
	if err != nil {
		// Not fatal: the store still works, just without external
		// change notification (demo/test environments often lack
		// inotify).
		return nil
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil
	}
	s.watcher = w
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := nameFromPath(s.dir, ev.Name)
			if name == "" {
				continue
			}
			select {
			case s.Changes <- name:
			default:
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func nameFromPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, filepath.FromSlash(name))
}

// Set asserts name as ON. Idempotent.
func (s *Store) Set(name string) error {
	return s.write(name, sentinelOn)
}

// SetOneshot is an alias for Set; the "oneshot" distinction in the source
// grammar is about whether a hook runs once, not about the condition's own
// semantics, so the store treats both identically.
func (s *Store) SetOneshot(name string) error {
	return s.Set(name)
}

// Clear removes name, making it OFF.
func (s *Store) Clear(name string) error {
	s.mu.RLock()
	avail := s.available
	s.mu.RUnlock()
	if !avail {
		return nil
	}
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Reassert marks name FLUX then ON, giving dependents a transient pause
// point.
func (s *Store) Reassert(name string) error {
	if err := s.write(name, sentinelFlux); err != nil {
		return err
	}
	return s.write(name, sentinelOn)
}

func (s *Store) write(name, sentinel string) error {
	s.mu.RLock()
	avail := s.available
	s.mu.RUnlock()
	if !avail {
		return nil // dropped, not queued
	}
	p := s.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(sentinel), 0644)
}

// Get returns the tri-valued state of a single condition name.
func (s *Store) Get(name string) svc.CondValue {
	s.mu.RLock()
	avail := s.available
	s.mu.RUnlock()
	if !avail {
		// Reads before base-fs-up return ON so bootstrap tasks never
		// stall on a condition that can't yet be evaluated.
		return svc.CondOn
	}
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return svc.CondOff
	}
	if strings.TrimSpace(string(data)) == sentinelFlux {
		return svc.CondFlux
	}
	return svc.CondOn
}

// GetAgg resolves a condition expression: AND-aggregated, ON iff all ON,
// OFF if any is OFF, else FLUX.
func (s *Store) GetAgg(expr []string) svc.CondValue {
	values := make([]svc.CondValue, 0, len(expr))
	for _, name := range expr {
		negate := strings.HasPrefix(name, "!")
		n := strings.TrimPrefix(name, "!")
		v := s.Get(n)
		if negate {
			v = negateValue(v)
		}
		values = append(values, v)
	}
	return svc.AggCond(values)
}

func negateValue(v svc.CondValue) svc.CondValue {
	switch v {
	case svc.CondOn:
		return svc.CondOff
	case svc.CondOff:
		return svc.CondOn
	default:
		return svc.CondFlux
	}
}

// Affects reports whether changed is referenced (positively or negatively)
// by expr.
func Affects(changed string, expr []string) bool {
	for _, name := range expr {
		if strings.TrimPrefix(name, "!") == changed {
			return true
		}
	}
	return false
}

// Close stops the fsnotify watcher, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
