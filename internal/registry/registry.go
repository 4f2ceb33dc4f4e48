// Package registry implements the Service Registry: an
// integer-id arena of service records with secondary indices by pid and by
// (command, instance-id). There are no back-pointers from records to
// conditions; reverse lookup ("who depends on condition C") is computed by
// scanning at reload time only.
package registry

import (
	"fmt"
	"sync"

	"github.com/kornnellio/gosv/internal/svc"
)

// Registry holds every known service record. It is single-threaded by
// contract — only the event loop mutates it — but guards its
// maps with a mutex anyway since tests may want to inspect it from another
// goroutine; the supervisor's own event loop never contends on it.
type Registry struct {
	mu     sync.RWMutex
	nextID int
	byID   map[int]*svc.Record
	byKey  map[svc.ID]*svc.Record
	byPid  map[int]*svc.Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:  make(map[int]*svc.Record),
		byKey: make(map[svc.ID]*svc.Record),
		byPid: make(map[int]*svc.Record),
	}
}

// Add registers a new record, assigning it a stable id. r.ID is set on
// return.
func (reg *Registry) Add(r *svc.Record) *svc.Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.nextID++
	r.ID = reg.nextID
	reg.byID[r.ID] = r
	reg.byKey[r.Key] = r
	return r
}

// ByID looks up a record by its stable arena id, e.g. to resolve a
// clock.Fire back to the record it was armed for.
func (reg *Registry) ByID(id int) (*svc.Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.byID[id]
	return r, ok
}

// ByKey looks up a record by its (command, instance-id) composite key.
func (reg *Registry) ByKey(key svc.ID) (*svc.Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.byKey[key]
	return r, ok
}

// ByPid looks up the record currently owning pid, if any.
func (reg *Registry) ByPid(pid int) (*svc.Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.byPid[pid]
	return r, ok
}

// SetPid updates the pid index for r. Pass 0 to clear r's previous pid
// mapping without installing a new one. pid == 1 is never a tracked pid
// and is refused.
func (reg *Registry) SetPid(r *svc.Record, pid int) error {
	if pid == 1 {
		return fmt.Errorf("registry: refusing to track pid 1 for %s", r.Command)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r.Pid != 0 {
		delete(reg.byPid, r.Pid)
	}
	r.OldPid = r.Pid
	r.Pid = pid
	if pid != 0 {
		reg.byPid[pid] = r
	}
	return nil
}

// IndexPid installs r's current Pid into the pid index, for the launch
// path where the Launcher has already stored fork's return value on the
// record itself. pid <= 1 is refused.
func (reg *Registry) IndexPid(r *svc.Record) error {
	if r.Pid <= 1 {
		return fmt.Errorf("registry: refusing to index pid %d for %s", r.Pid, r.Command)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.byPid[r.Pid] = r
	return nil
}

// All returns every record currently registered, in id order.
func (reg *Registry) All() []*svc.Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*svc.Record, 0, len(reg.byID))
	for id := 1; id <= reg.nextID; id++ {
		if r, ok := reg.byID[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// MarkAllRemoved provisionally flags every record as removed, ahead of a
// config reload pass that will clear the flag on records still present in
// the new config.
func (reg *Registry) MarkAllRemoved() {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, r := range reg.byID {
		r.Removed = true
	}
}

// Remove deletes r from the registry. Callers must have already cancelled
// r's timer and confirmed state == HALTED (or DONE).
func (reg *Registry) Remove(r *svc.Record) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.byID, r.ID)
	delete(reg.byKey, r.Key)
	if r.Pid != 0 {
		delete(reg.byPid, r.Pid)
	}
}

// DependentsOf scans every record for one whose CondExpr references name.
// A scan, not a reverse index: it only runs on reload and condition
// change, and keeping no back-pointers means removal can't dangle.
func (reg *Registry) DependentsOf(name string) []*svc.Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	var out []*svc.Record
	for _, r := range reg.byID {
		for _, c := range r.CondExpr {
			n := c
			if len(n) > 0 && n[0] == '!' {
				n = n[1:]
			}
			if n == name {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
