package core

import (
	"sync"
)

// AddressBook is the set of peers an actor has learned about. It is only a
// routing hint: membership makes the router try the portal first.
type AddressBook struct {
	mu    sync.RWMutex
	ids   map[ActorID]struct{}
	order []ActorID
}

// NewAddressBook creates an empty address book.
func NewAddressBook() *AddressBook {
	return &AddressBook{ids: make(map[ActorID]struct{})}
}

// Add records id. It reports whether id was new.
func (b *AddressBook) Add(id ActorID) bool {
	if id == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.ids[id]; exists {
		return false
	}
	b.ids[id] = struct{}{}
	b.order = append(b.order, id)
	return true
}

// Remove forgets id.
func (b *AddressBook) Remove(id ActorID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.ids[id]; !exists {
		return false
	}
	delete(b.ids, id)
	for i, known := range b.order {
		if known == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Has reports whether id is known.
func (b *AddressBook) Has(id ActorID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, exists := b.ids[id]
	return exists
}

// List returns the known ids in the order they were learned.
func (b *AddressBook) List() []ActorID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]ActorID, len(b.order))
	copy(ids, b.order)
	return ids
}
