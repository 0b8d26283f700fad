// Package stores provides the persistence layer for CloudFerry.
// It includes a SQLite-based store with WAL mode and embedded migrations
// holding the object tables (objects, links and any table declared by a
// schema field) as well as run bookkeeping and link signatures. Objects are
// read and written through nested, transactional sessions.
package stores
