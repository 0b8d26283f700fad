package migration

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/engine"
	"github.com/cloudferry/cloudferry/pkg/model"
	"github.com/cloudferry/cloudferry/pkg/policy"
	"github.com/cloudferry/cloudferry/pkg/stores"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

// Builder turns migration roots into an executable graph.
type Builder struct {
	env    *Env
	logger zerolog.Logger
}

// NewBuilder creates a builder.
func NewBuilder(env *Env) *Builder {
	return &Builder{
		env:    env,
		logger: env.Logger.With().Str("component", "flow-builder").Logger(),
	}
}

// buildState is the memo of one CreateMigrationFlow call.
type buildState struct {
	fc    *FlowContext
	graph *engine.Graph

	// flows maps visited objects to their flow ID; "" marks objects that
	// need no flow.
	flows  map[model.ObjectID]string
	denied []policy.Violation
}

// CreateMigrationFlow builds the graph migrating roots and everything they
// depend on from m.Source to m.Destination:
//
//   - every object gets one flow made by the factory of its type, sealed by
//     a RememberMigration task;
//   - objects already linked to the destination get no flow;
//   - a flow requires the flows of its object's dependencies;
//   - a final destructor flow waits for every other flow.
//
// When the policy engine denies objects, no graph is built and a
// *policy.DeniedError listing every blocking violation is returned.
func (b *Builder) CreateMigrationFlow(ctx context.Context, m Migration, roots []*model.Object) (*engine.Graph, error) {
	if err := b.env.validate(); err != nil {
		return nil, err
	}

	op := telemetry.StartOperation(b.env.instrument(ctx), "migration.build", telemetry.AttrMigration.String(m.Name))
	ctx = b.env.Discovery.WithResolver(op.Ctx)

	st := &buildState{
		fc: &FlowContext{
			Env:        b.env,
			Migration:  m,
			Singletons: NewSingletonGroup(),
			Logger:     b.logger.With().Str("migration", m.Name).Logger(),
		},
		graph: engine.NewGraph(),
		flows: make(map[model.ObjectID]string),
	}

	err := b.env.Store.WithSession(ctx, func(ctx context.Context, _ *stores.Session) error {
		for _, root := range roots {
			if _, err := b.addObject(ctx, st, root); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil && len(st.denied) > 0 {
		err = &policy.DeniedError{Violations: st.denied}
	}
	if err != nil {
		op.End(err)
		return nil, err
	}

	flowIDs := make([]string, 0, st.graph.Len())
	for _, f := range st.graph.Flows() {
		flowIDs = append(flowIDs, f.ID)
	}
	if err := st.graph.AddFlow(&engine.Flow{
		ID:    DestructorFlowID,
		Label: "destructors",
		Tasks: []engine.Task{NewDestructorTask(st.fc.Logger)},
	}); err != nil {
		op.End(err)
		return nil, err
	}
	for _, id := range flowIDs {
		st.graph.AddEdge(id, DestructorFlowID, engine.DependencyOrder)
	}

	op.End(nil)
	b.logger.Info().
		Str("migration", m.Name).
		Int("roots", len(roots)).
		Int("flows", len(flowIDs)).
		Msg("Migration graph built")
	return st.graph, nil
}

// addObject adds the flow of obj and, recursively, of its dependencies. It
// returns the flow ID, or "" when obj needs no flow.
func (b *Builder) addObject(ctx context.Context, st *buildState, obj *model.Object) (string, error) {
	id := obj.ObjectID()
	if flowID, ok := st.flows[id]; ok {
		return flowID, nil
	}

	m := st.fc.Migration
	logger := st.fc.Logger.With().Str("object", id.String()).Logger()

	if id.Cloud != m.Source {
		return "", fmt.Errorf("object %s does not belong to source cloud %s", id, m.Source)
	}
	if obj.IsLinkedTo(m.Destination) {
		logger.Debug().Msg("Object already migrated, skipping")
		st.flows[id] = ""
		return "", nil
	}

	allowed, err := b.admit(ctx, st, obj)
	if err != nil {
		return "", err
	}
	if !allowed {
		st.flows[id] = ""
		return "", b.addDependencies(ctx, st, obj, "")
	}

	factory, err := b.env.Factories.Lookup(id.Type)
	if err != nil {
		return "", err
	}
	tasks, err := factory.CreateFlow(st.fc, obj)
	if err != nil {
		return "", fmt.Errorf("failed to create flow of %s: %w", id, err)
	}
	tasks = append(tasks, NewRememberMigration(b.env, m, id))

	flow := &engine.Flow{ID: id.String(), Label: obj.String(), Tasks: tasks}
	if err := st.graph.AddFlow(flow); err != nil {
		return "", err
	}
	// Recorded before recursing so that a dependency cycle shows up as a
	// cycle in the graph instead of endless recursion.
	st.flows[id] = flow.ID

	logger.Debug().Int("tasks", len(tasks)).Msg("Flow created")

	if err := b.addDependencies(ctx, st, obj, flow.ID); err != nil {
		return "", err
	}
	return flow.ID, nil
}

// addDependencies visits the dependencies of obj and makes flowID require
// the flows created for them.
func (b *Builder) addDependencies(ctx context.Context, st *buildState, obj *model.Object, flowID string) error {
	for _, dep := range obj.Dependencies() {
		depObj, err := dep.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve dependency %s of %s: %w", dep.ID(), obj.ObjectID(), err)
		}
		depFlow, err := b.addObject(ctx, st, depObj)
		if err != nil {
			return err
		}
		if depFlow != "" && flowID != "" {
			st.graph.AddEdge(depFlow, flowID, engine.DependencyRequire)
		}
	}
	return nil
}

// admit evaluates the policies against obj. Blocking violations are
// collected in st; warnings are logged.
func (b *Builder) admit(ctx context.Context, st *buildState, obj *model.Object) (bool, error) {
	if b.env.Policy == nil {
		return true, nil
	}

	result, err := b.env.Policy.Evaluate(ctx, policy.NewInput(obj, st.fc.Migration.policyInput()))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policies for %s: %w", obj.ObjectID(), err)
	}

	for _, v := range result.Violations {
		event := b.logger.Warn()
		if v.Severity.Blocking() {
			event = b.logger.Error()
			st.denied = append(st.denied, v)
		}
		event.Str("object", v.Object).Str("policy", v.Policy).Msg(v.Message)
	}
	for _, w := range result.Warnings {
		b.logger.Warn().Str("object", obj.ObjectID().String()).Msg(w)
	}
	return result.Allowed, nil
}
