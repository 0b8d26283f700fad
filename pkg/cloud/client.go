package cloud

import (
	"context"
	"fmt"
)

// Resource is the cloud-native representation of a resource.
type Resource map[string]any

// ID returns the "id" attribute.
func (r Resource) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Str returns a string attribute, or "".
func (r Resource) Str(key string) string {
	s, _ := r[key].(string)
	return s
}

// Clone returns a shallow copy.
func (r Resource) Clone() Resource {
	out := make(Resource, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Client is the capability CloudFerry needs from a cloud. Implementations
// report missing resources with errors matching ErrNotFound and duplicates
// with errors matching ErrConflict.
type Client interface {
	// Name returns the configured cloud name.
	Name() string

	List(ctx context.Context, kind string) ([]Resource, error)
	Get(ctx context.Context, kind, id string) (Resource, error)
	Create(ctx context.Context, kind string, r Resource) (Resource, error)
	Delete(ctx context.Context, kind, id string) error

	// Action triggers a named operation such as "stop" or "start".
	Action(ctx context.Context, kind, id, action string) error
}

// Clients maps cloud names to clients.
type Clients map[string]Client

// Get returns the client of the named cloud.
func (c Clients) Get(name string) (Client, error) {
	client, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("cloud %q is not configured", name)
	}
	return client, nil
}
