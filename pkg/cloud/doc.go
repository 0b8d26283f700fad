// Package cloud defines the capability CloudFerry needs from a cloud: list,
// get, create and delete resources of a kind, and trigger actions on them.
// It ships an HTTP REST client with a shared authentication cache and an
// in-memory cloud used for tests and dry runs, which can also be served over
// HTTP.
package cloud
