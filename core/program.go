package core

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Factory builds a fresh function table for every spawned unit, so
// handlers may close over per-actor state.
type Factory func() Behavior

type program struct {
	name    string
	factory Factory
}

// Catalog is the in-process Spawner: a table of program references.
type Catalog struct {
	mu       sync.RWMutex
	programs map[string]program
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{programs: make(map[string]program)}
}

// Register adds a program under ref. name becomes the logical part of the
// ids of its actors.
func (c *Catalog) Register(ref, name string, factory Factory) error {
	if ref == "" {
		return errors.New("program reference cannot be empty")
	}
	if !validName(name) {
		return errors.Errorf("invalid logical name %q for program %s", name, ref)
	}
	if factory == nil {
		return errors.Errorf("program %s has no factory", ref)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.programs[ref]; exists {
		return errors.Errorf("program %s is already registered", ref)
	}
	c.programs[ref] = program{name: name, factory: factory}
	return nil
}

// MustRegister is like Register but panics on error.
func (c *Catalog) MustRegister(ref, name string, factory Factory) {
	if err := c.Register(ref, name, factory); err != nil {
		panic(err)
	}
}

// Spawn implements Spawner.
func (c *Catalog) Spawn(ref string) (string, Behavior, error) {
	c.mu.RLock()
	p, ok := c.programs[ref]
	c.mu.RUnlock()

	if !ok {
		return "", nil, errors.Wrapf(ErrUnknownProgram, "program %q", ref)
	}
	return p.name, p.factory(), nil
}

// Programs returns the registered references, sorted.
func (c *Catalog) Programs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	refs := make([]string, 0, len(c.programs))
	for ref := range c.programs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
