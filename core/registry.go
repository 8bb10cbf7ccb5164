package core

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registry maps actor ids to the units that own them, and keeps the list of
// ids known to live behind the portal.
type Registry struct {
	mu sync.RWMutex

	// Maps actor ID to its unit
	units map[ActorID]*Unit

	// Ids announced as remote, in arrival order
	remote      map[ActorID]struct{}
	remoteOrder []ActorID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		units:  make(map[ActorID]*Unit),
		remote: make(map[ActorID]struct{}),
	}
}

// Register binds id to u. Each id is registered at most once.
func (r *Registry) Register(id ActorID, u *Unit) error {
	if !id.Valid() {
		return errors.Wrapf(ErrInvalidActorID, "register %q", id)
	}
	if u == nil {
		return errors.Errorf("cannot register nil unit for %s", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[id]; exists {
		return errors.Wrapf(ErrRegistrationConflict, "register %s", id)
	}
	r.units[id] = u
	return nil
}

// Unregister removes id and returns the unit it was bound to.
func (r *Registry) Unregister(id ActorID) (*Unit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, exists := r.units[id]
	if exists {
		delete(r.units, id)
	}
	return u, exists
}

// unregisterUnit removes id only while it is still bound to u.
func (r *Registry) unregisterUnit(id ActorID, u *Unit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.units[id]; !exists || current != u {
		return false
	}
	delete(r.units, id)
	return true
}

// Lookup finds the unit registered under id.
func (r *Registry) Lookup(id ActorID) (*Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, exists := r.units[id]
	return u, exists
}

// IsLocal implements Directory.
func (r *Registry) IsLocal(id ActorID) bool {
	_, exists := r.Lookup(id)
	return exists
}

// AddRemote records id as reachable through the portal. It reports
// whether id was new.
func (r *Registry) AddRemote(id ActorID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.remote[id]; exists {
		return false
	}
	r.remote[id] = struct{}{}
	r.remoteOrder = append(r.remoteOrder, id)
	return true
}

// IsRemote implements Directory.
func (r *Registry) IsRemote(id ActorID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.remote[id]
	return exists
}

// Remote returns the remote ids in the order they were added.
func (r *Registry) Remote() []ActorID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ActorID, len(r.remoteOrder))
	copy(ids, r.remoteOrder)
	return ids
}

// List returns all registered ids, sorted.
func (r *Registry) List() []ActorID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ActorID, 0, len(r.units))
	for id := range r.units {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered ids.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}

// snapshot returns every registered unit.
func (r *Registry) snapshot() []*Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	units := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		units = append(units, u)
	}
	return units
}

func (r *Registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = make(map[ActorID]*Unit)
}
