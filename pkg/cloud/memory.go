package cloud

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryClient is an in-process cloud. Created resources receive a random
// UUID unless they carry an id.
type MemoryClient struct {
	name string

	mu        sync.Mutex
	resources map[string]map[string]Resource
	calls     map[string]int
	failures  map[string][]error
}

// NewMemoryClient creates an empty cloud called name.
func NewMemoryClient(name string) *MemoryClient {
	return &MemoryClient{
		name:      name,
		resources: make(map[string]map[string]Resource),
		calls:     make(map[string]int),
		failures:  make(map[string][]error),
	}
}

// Name returns the cloud name.
func (c *MemoryClient) Name() string {
	return c.name
}

// Seed adds or replaces a resource without counting a call.
func (c *MemoryClient) Seed(kind string, r Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(kind)[r.ID()] = r.Clone()
}

// FailNext makes the next call of op ("list", "get", "create", "delete" or
// "action") on kind return err. Several errors queue up.
func (c *MemoryClient) FailNext(op, kind string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := op + ":" + kind
	c.failures[key] = append(c.failures[key], err)
}

// Calls returns how many times op was invoked on kind.
func (c *MemoryClient) Calls(op, kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op+":"+kind]
}

// record counts a call and pops an injected failure. Callers hold c.mu.
func (c *MemoryClient) record(op, kind string) error {
	key := op + ":" + kind
	c.calls[key]++
	if queue := c.failures[key]; len(queue) > 0 {
		c.failures[key] = queue[1:]
		return queue[0]
	}
	return nil
}

func (c *MemoryClient) bucket(kind string) map[string]Resource {
	b, ok := c.resources[kind]
	if !ok {
		b = make(map[string]Resource)
		c.resources[kind] = b
	}
	return b
}

// List returns the resources of kind sorted by id.
func (c *MemoryClient) List(_ context.Context, kind string) ([]Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record("list", kind); err != nil {
		return nil, err
	}

	out := make([]Resource, 0, len(c.resources[kind]))
	for _, r := range c.resources[kind] {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// Get returns one resource.
func (c *MemoryClient) Get(_ context.Context, kind, id string) (Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record("get", kind); err != nil {
		return nil, err
	}

	r, ok := c.resources[kind][id]
	if !ok {
		return nil, notFound(c.name, kind, id)
	}
	return r.Clone(), nil
}

// Create stores a new resource and returns it with its id.
func (c *MemoryClient) Create(_ context.Context, kind string, r Resource) (Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record("create", kind); err != nil {
		return nil, err
	}

	created := r.Clone()
	if created.ID() == "" {
		created["id"] = uuid.New().String()
	}
	b := c.bucket(kind)
	if _, exists := b[created.ID()]; exists {
		return nil, conflict(c.name, kind, created.ID(), "already exists")
	}
	b[created.ID()] = created
	return created.Clone(), nil
}

// Delete removes a resource.
func (c *MemoryClient) Delete(_ context.Context, kind, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record("delete", kind); err != nil {
		return err
	}

	if _, ok := c.resources[kind][id]; !ok {
		return notFound(c.name, kind, id)
	}
	delete(c.resources[kind], id)
	return nil
}

// Action applies a named operation. "stop" and "start" set the status
// attribute to SHUTOFF and ACTIVE; other actions are rejected.
func (c *MemoryClient) Action(_ context.Context, kind, id, action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record("action", kind); err != nil {
		return err
	}

	r, ok := c.resources[kind][id]
	if !ok {
		return notFound(c.name, kind, id)
	}

	switch action {
	case "stop":
		r["status"] = "SHUTOFF"
	case "start":
		r["status"] = "ACTIVE"
	default:
		return fmt.Errorf("cloud %s: unsupported action %q", c.name, action)
	}
	return nil
}
