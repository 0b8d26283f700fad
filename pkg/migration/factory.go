package migration

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudferry/cloudferry/pkg/engine"
	"github.com/cloudferry/cloudferry/pkg/model"
)

// ErrFlowFactoryNotFound is returned when an object type has no registered
// flow factory.
var ErrFlowFactoryNotFound = errors.New("flow factory not found")

// FlowFactory creates the tasks migrating a single object. The last task of
// the returned flow must provide DestinationOutput(obj.ObjectID()) with the
// id of the created destination resource; the builder appends the step
// that links source and destination.
type FlowFactory interface {
	CreateFlow(fc *FlowContext, obj *model.Object) ([]engine.Task, error)
}

// FlowFactoryFunc adapts a function to FlowFactory.
type FlowFactoryFunc func(fc *FlowContext, obj *model.Object) ([]engine.Task, error)

// CreateFlow calls f.
func (f FlowFactoryFunc) CreateFlow(fc *FlowContext, obj *model.Object) ([]engine.Task, error) {
	return f(fc, obj)
}

// Factories maps object types to their flow factories.
type Factories struct {
	mu        sync.RWMutex
	factories map[string]FlowFactory
}

// NewFactories creates an empty registry.
func NewFactories() *Factories {
	return &Factories{factories: make(map[string]FlowFactory)}
}

// Register adds the factory of typ.
func (f *Factories) Register(typ string, factory FlowFactory) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.factories[typ]; exists {
		return fmt.Errorf("flow factory for %s already registered", typ)
	}
	f.factories[typ] = factory
	return nil
}

// Lookup returns the factory of typ.
func (f *Factories) Lookup(typ string) (FlowFactory, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	factory, ok := f.factories[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowFactoryNotFound, typ)
	}
	return factory, nil
}

// Types returns the registered types, sorted.
func (f *Factories) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.factories))
	for typ := range f.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// DestinationOutput names the value carrying the destination id of the
// object identified by id.
func DestinationOutput(id model.ObjectID) string {
	return "destination:" + id.String()
}
