// Package discovery loads cloud resources into the object store.
//
// A Discoverer is registered per object type through a Factory. The Manager
// resolves references with FindObj: it returns the stored object, fetches a
// missing one from its cloud, or records a tombstone when the cloud does not
// know the id, so later lookups of the same id cost nothing.
//
// The Manager implements model.Resolver. Contexts passed to discoverers carry
// it, so lazy references inside freshly loaded objects resolve through
// FindObj as well.
package discovery
