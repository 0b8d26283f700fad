package migration

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/engine"
	"github.com/cloudferry/cloudferry/pkg/model"
	"github.com/cloudferry/cloudferry/pkg/stores"
)

// DestructorFlowID is the ID of the flow that runs the destructors of a
// migration graph.
const DestructorFlowID = "destructor"

// RememberMigration links a source object to the destination resource its
// flow created. It is the last task of every flow and the only step that
// marks an object migrated.
type RememberMigration struct {
	engine.TaskInfo

	env       *Env
	migration Migration
	source    model.ObjectID
}

// NewRememberMigration creates the linking task for the object source.
func NewRememberMigration(env *Env, m Migration, source model.ObjectID) *RememberMigration {
	return &RememberMigration{
		TaskInfo: engine.TaskInfo{
			TaskName: "remember-migration",
			Inputs:   []string{DestinationOutput(source)},
		},
		env:       env,
		migration: m,
		source:    source,
	}
}

// Execute links the source object and its destination counterpart and
// stores both in one session.
func (t *RememberMigration) Execute(ctx context.Context, in engine.Values) (*engine.Result, error) {
	dstID, ok := in[DestinationOutput(t.source)].(string)
	if !ok || dstID == "" {
		return nil, fmt.Errorf("no destination id for %s", t.source)
	}
	target := model.NewObjectID(t.source.Type, t.migration.Destination, dstID)

	ctx = t.env.Discovery.WithResolver(ctx)
	err := t.env.Store.WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		src, err := sess.Retrieve(ctx, t.source)
		if err != nil {
			return fmt.Errorf("failed to retrieve %s: %w", t.source, err)
		}

		dst, err := t.env.Discovery.FindObj(ctx, target)
		if err != nil {
			return err
		}
		if dst == nil {
			return fmt.Errorf("destination object %s not found", target)
		}

		if err := src.LinkTo(dst); err != nil {
			return err
		}
		if err := sess.Store(src); err != nil {
			return err
		}
		return sess.Store(dst)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to remember migration of %s: %w", t.source, err)
	}

	t.env.Logger.Info().
		Str("object", t.source.String()).
		Str("destination", target.String()).
		Msg("Object migrated")
	return &engine.Result{}, nil
}

// Revert is a no-op: the link is written in the session of Execute, which
// rolls back when Execute fails.
func (t *RememberMigration) Revert(context.Context, engine.Values, *engine.Result) error {
	return nil
}

// DestructorTask executes the destructors collected from the flows of the
// run. Failures are logged and never fail the task.
type DestructorTask struct {
	engine.TaskInfo
	logger zerolog.Logger
}

// NewDestructorTask creates the global destructor task.
func NewDestructorTask(logger zerolog.Logger) *DestructorTask {
	return &DestructorTask{
		TaskInfo: engine.TaskInfo{TaskName: "run-destructors"},
		logger:   logger,
	}
}

// Execute runs the pending destructors of the current run.
func (t *DestructorTask) Execute(ctx context.Context, _ engine.Values) (*engine.Result, error) {
	state, ok := engine.RunStateFrom(ctx)
	if !ok {
		t.logger.Warn().Msg("Destructor task executed outside of a run")
		return &engine.Result{}, nil
	}

	if err := state.RunDestructors(context.WithoutCancel(ctx)); err != nil {
		t.logger.Error().Err(err).Str("run_id", state.ID).Msg("Destructors failed")
	}
	return &engine.Result{}, nil
}

// Revert does nothing.
func (t *DestructorTask) Revert(context.Context, engine.Values, *engine.Result) error {
	return nil
}

// DestinationID returns the destination id of the object ref points to. The
// object was either migrated earlier in the run, in which case its flow
// published the id, or linked before the run.
func DestinationID(ctx context.Context, fc *FlowContext, ref *model.Lazy) (string, error) {
	if ref == nil {
		return "", nil
	}

	if state, ok := engine.RunStateFrom(ctx); ok {
		if v, ok := state.Get(DestinationOutput(ref.ID())); ok {
			if id, ok := v.(string); ok && id != "" {
				return id, nil
			}
		}
	}

	var dstID string
	ctx = fc.Env.Discovery.WithResolver(ctx)
	err := fc.Env.Store.WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		obj, err := sess.Retrieve(ctx, ref.ID())
		if err != nil {
			return err
		}
		link := obj.FindLink(fc.Migration.Destination)
		if link == nil {
			return fmt.Errorf("%s has no counterpart in cloud %s", ref.ID(), fc.Migration.Destination)
		}
		dstID = link.ID().ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to find destination of %s: %w", ref.ID(), err)
	}
	return dstID, nil
}
