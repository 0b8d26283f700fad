package discovery

import "errors"

// ErrDiscovererNotFound is returned when no discoverer is registered for a
// type. It is wrapped with the type name.
var ErrDiscovererNotFound = errors.New("discoverer not found")
