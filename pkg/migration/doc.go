// Package migration turns discovered objects into migration graphs and runs
// them.
//
// # Selecting
//
// A Migration names a source and a destination cloud and selects its root
// objects by type, by id and optionally with a Starlark filter over the
// object fields:
//
//	m := migration.Migration{
//	    Name:        "web",
//	    Source:      "src",
//	    Destination: "dst",
//	    Selectors:   []migration.Selector{{Type: "server", Where: `name.startswith("web-")`}},
//	}
//
// # Linking
//
// Link walks the dependency closure of the roots and records, for every
// object with an equal counterpart in the destination, the correspondence
// between both. Linked objects count as migrated. The signature of the
// closure is saved so that a later Migrate can warn when discovery changed
// the closure since linking.
//
// # Building
//
// Builder.CreateMigrationFlow asks the FlowFactory of each object type for
// the tasks migrating one object. Every flow ends with RememberMigration,
// the only step that links the source object to the created resource, so a
// crashed run can be restarted: completed objects are linked and skipped.
// A flow requires the flows of its dependencies, and a final destructor
// flow runs the compensating actions collected from the tasks.
//
// Tasks shared by several flows, such as ensuring a network exists, are
// wrapped with a SingletonGroup so they run once per graph.
//
// When a policy engine is configured every object is evaluated before its
// flow is built and blocking violations deny the whole migration.
package migration
