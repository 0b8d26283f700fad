package model

import (
	"context"
	"sync"
)

// Resolver turns an ObjectID into the object it identifies.
type Resolver interface {
	Resolve(ctx context.Context, id ObjectID) (*Object, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, id ObjectID) (*Object, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, id ObjectID) (*Object, error) {
	return f(ctx, id)
}

type resolverKey struct{}

// WithResolver returns a context whose lazy references resolve through r.
func WithResolver(ctx context.Context, r Resolver) context.Context {
	return context.WithValue(ctx, resolverKey{}, r)
}

// ResolverFrom returns the resolver carried by ctx, if any.
func ResolverFrom(ctx context.Context) (Resolver, bool) {
	r, ok := ctx.Value(resolverKey{}).(Resolver)
	return r, ok
}

// Lazy is a reference resolved to the full object on first access.
type Lazy struct {
	id ObjectID

	mu  sync.Mutex
	obj *Object
}

// NewLazy creates an unresolved reference.
func NewLazy(id ObjectID) *Lazy {
	return &Lazy{id: id}
}

// LazyOf creates a reference that is already resolved to obj.
func LazyOf(obj *Object) *Lazy {
	return &Lazy{id: obj.ObjectID(), obj: obj}
}

// ID returns the referenced ObjectID without resolving it.
func (l *Lazy) ID() ObjectID {
	return l.id
}

// Resolved returns the object if it was already resolved.
func (l *Lazy) Resolved() *Object {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.obj
}

// Get resolves the reference using the resolver carried by ctx. The result
// is cached; failures are not.
func (l *Lazy) Get(ctx context.Context) (*Object, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.obj != nil {
		return l.obj, nil
	}

	r, ok := ResolverFrom(ctx)
	if !ok {
		return nil, ErrNoResolver
	}

	obj, err := r.Resolve(ctx, l.id)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, NotFound(l.id)
	}
	l.obj = obj
	return obj, nil
}
