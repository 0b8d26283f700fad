// Package model defines the entity layer: schemas describing cloud resource
// types, schema-typed objects with lazy references and nested sub-objects,
// change tracking against a stored baseline, cross-cloud links, and the
// dependency closure used to order migrations.
//
// Objects are identified by an ObjectID (id, cloud, type). References are
// stored as ObjectIDs and resolved on first access through the Resolver
// carried by the context, normally an open store session.
package model
