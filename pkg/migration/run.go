package migration

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cloudferry/cloudferry/pkg/engine"
	"github.com/cloudferry/cloudferry/pkg/model"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

// Plan selects the roots of m and builds its migration graph without
// executing it.
func Plan(ctx context.Context, env *Env, m Migration) (*engine.Graph, error) {
	roots, err := SelectRoots(ctx, env, m)
	if err != nil {
		return nil, err
	}
	if err := checkSignature(ctx, env, m, roots); err != nil {
		return nil, err
	}
	return NewBuilder(env).CreateMigrationFlow(ctx, m, roots)
}

// Migrate plans m and executes the graph with the scheduler of env. Flow
// failures are reported in the returned report; the error is reserved for
// planning failures and aborted runs.
func Migrate(ctx context.Context, env *Env, m Migration) (*engine.Report, error) {
	return MigrateRun(ctx, env, m, "")
}

// MigrateRun is Migrate with a caller-chosen run id, so progress events of
// the run can be followed while it executes. An empty runID is generated.
func MigrateRun(ctx context.Context, env *Env, m Migration, runID string) (*engine.Report, error) {
	if env.Scheduler == nil {
		return nil, fmt.Errorf("migration env: scheduler is required")
	}
	if runID == "" {
		runID = uuid.New().String()
	}

	op := telemetry.StartOperation(env.instrument(ctx), "migration.migrate",
		telemetry.AttrMigration.String(m.Name),
		telemetry.AttrCloud.String(m.Destination),
	)
	logger := op.Logger.WithMigration(m.Name).WithRunID(runID)

	g, err := Plan(op.Ctx, env, m)
	if err != nil {
		logger.WithError(err).Error("Migration planning failed")
		op.End(err)
		return nil, err
	}

	logger.
		WithField("source", m.Source).
		WithField("destination", m.Destination).
		WithField("flows", g.Len()).
		Info("Starting migration")

	report, err := env.Scheduler.Execute(op.Ctx, g, engine.RunOptions{Migration: m.Name, RunID: runID})
	op.End(err)
	if err != nil {
		logger.WithError(err).Error("Migration run aborted")
		return report, fmt.Errorf("failed to execute migration %s: %w", m.Name, err)
	}

	logger.
		WithField("status", string(report.Status)).
		WithField("duration", report.Duration.String()).
		Info("Migration finished")
	return report, nil
}

// checkSignature warns when the dependency closure of roots changed since
// the migration was linked.
func checkSignature(ctx context.Context, env *Env, m Migration, roots []*model.Object) error {
	stored, ok, err := env.Store.GetLinkSignature(ctx, m.Name)
	if err != nil {
		return err
	}
	if !ok {
		env.Logger.Debug().Str("migration", m.Name).Msg("Migration was never linked")
		return nil
	}

	current, err := model.Signature(env.Discovery.WithResolver(ctx), roots)
	if err != nil {
		return fmt.Errorf("failed to compute signature of %s: %w", m.Name, err)
	}
	if !model.SameSignature(stored, current) {
		env.Logger.Warn().
			Str("migration", m.Name).
			Int("linked_objects", len(stored)).
			Int("current_objects", len(current)).
			Msg("Objects changed since the migration was linked, consider running link again")
	}
	return nil
}
