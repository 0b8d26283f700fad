package model

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps type tags to schemas. Stores and discovery managers use it to
// reconstruct objects from rows and cloud data.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates a Registry holding the given schemas.
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]*Schema)}
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a root schema. Only schemas with a primary key can be stored.
func (r *Registry) Register(s *Schema) error {
	if s == nil {
		return fmt.Errorf("nil schema")
	}
	if !s.HasPrimaryKey() {
		return fmt.Errorf("schema %s: %w", s.Type, ErrMissingPrimaryKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemas[s.Type]; exists {
		return fmt.Errorf("schema %s already registered", s.Type)
	}
	r.schemas[s.Type] = s
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(schemas ...*Schema) {
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the schema registered for typ.
func (r *Registry) Lookup(typ string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	return s, nil
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Tables returns every storage table used by registered schemas, sorted,
// DefaultTable first.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{DefaultTable: true}
	var extra []string
	for _, s := range r.schemas {
		for _, t := range s.Tables() {
			if !seen[t] {
				seen[t] = true
				extra = append(extra, t)
			}
		}
	}
	sort.Strings(extra)
	return append([]string{DefaultTable}, extra...)
}
