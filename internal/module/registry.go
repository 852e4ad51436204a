package module

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateModule = errors.New("duplicate module name")
	ErrEmptyModuleName = errors.New("empty module name")
)

// Factory builds the single long-lived instance of a module.
type Factory func(Deps) Module

// Entry is one named module in a Registry.
type Entry struct {
	Name    string
	Factory Factory
}

// Registry is an ordered, read-only list of modules. Order is both the
// default selection order and the validation set for selections.
type Registry struct {
	entries []Entry
	index   map[string]int
}

// NewRegistry validates entries and returns a Registry. Names must be
// non-empty and unique.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		if e.Name == "" {
			return nil, ErrEmptyModuleName
		}
		if _, ok := r.index[e.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModule, e.Name)
		}
		if e.Factory == nil {
			return nil, fmt.Errorf("module %s: nil factory", e.Name)
		}
		r.index[e.Name] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return r, nil
}

// Names returns every registered name in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Name
	}
	return names
}

func (r *Registry) Has(name string) bool {
	_, ok := r.index[name]
	return ok
}

func (r *Registry) Len() int { return len(r.entries) }

// Build instantiates every module once.
func (r *Registry) Build(deps Deps) map[string]Module {
	instances := make(map[string]Module, len(r.entries))
	for _, e := range r.entries {
		instances[e.Name] = e.Factory(deps)
	}
	return instances
}
