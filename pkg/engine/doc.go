// Package engine executes migration graphs.
//
// # Overview
//
// A migration is described as a Graph of Flows. A Flow is an ordered list of
// Tasks that moves one object, for example creating a volume in the
// destination cloud and copying its data. Flows are connected by edges:
//
//   - DependencyRequire: the dependent flow runs only if the dependency
//     succeeded
//   - DependencyOrder: the dependent flow waits for the dependency to finish,
//     whatever the outcome
//
// # Execution
//
// The Scheduler validates the graph with a DAGBuilder, groups the flows into
// levels and runs each level with a bounded pool of workers:
//
//	scheduler := engine.NewScheduler(engine.SchedulerOptions{
//	    MaxParallel: 4,
//	    Store:       store,
//	}, logger)
//
//	report, err := scheduler.Execute(ctx, graph, engine.RunOptions{Migration: "volumes"})
//
// Tasks exchange values by name. The outputs of a task are published to the
// run and become the inputs of any later task that requires them. The graph
// is rejected before execution when a required value is never provided.
//
// # Failures
//
// When a task fails, the failed task and then every completed task of its
// flow are reverted, newest first. The flow is reported as reverted, or as
// aborted when the task returned ErrAbortMigration, and the flows that
// require it are skipped. Other branches of the graph keep running.
//
// # Destructors
//
// A task may return a Destructor with its result: a compensating action
// executed once per run after the flows finished, such as powering a source
// server back on. Destructors of a flow are kept only if the flow succeeded,
// are deduplicated by kind and signature, and are run by RunState.RunDestructors.
//
// # Error Classification
//
// ClassifyError maps task errors onto classes used in reports and metrics:
//
//   - Transient: timeouts, exhausted retries, cloud 5xx responses
//   - Throttled: rate limiting
//   - Conflict: resources in a conflicting state
//   - Permanent: everything that rerunning will not fix
package engine
