package migration

import (
	"context"
	"fmt"
	"sort"

	"github.com/cloudferry/cloudferry/pkg/model"
	"github.com/cloudferry/cloudferry/pkg/stores"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

// LinkReport summarizes a Link call.
type LinkReport struct {
	// Linked lists the source objects linked by this call.
	Linked []model.ObjectID

	// AlreadyLinked counts objects that had a destination counterpart.
	AlreadyLinked int

	// Unmatched lists the source objects no destination object equals.
	Unmatched []model.ObjectID

	// Signature is the signature of the roots, saved for the migration.
	Signature []string
}

// Link matches every object of the dependency closure of roots with an
// equal object of the same type stored for the destination cloud and
// records the correspondence. A destination object is linked to at most one
// source object. Destination objects must have been discovered beforehand.
//
// The signature of roots is saved under the migration name once the links
// are committed.
func Link(ctx context.Context, env *Env, m Migration, roots []*model.Object) (*LinkReport, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}

	op := telemetry.StartOperation(env.instrument(ctx), "migration.link", telemetry.AttrMigration.String(m.Name))
	ctx = env.Discovery.WithResolver(op.Ctx)
	logger := env.Logger.With().Str("component", "linker").Str("migration", m.Name).Logger()

	report := &LinkReport{}
	err := env.Store.WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		closure, err := model.FlattenDependencies(ctx, roots)
		if err != nil {
			return err
		}

		report.Signature = make([]string, 0, len(closure))
		for _, obj := range closure {
			report.Signature = append(report.Signature, obj.ObjectID().String())
		}
		sort.Strings(report.Signature)

		candidates := make(map[string][]*model.Object)
		for _, obj := range closure {
			id := obj.ObjectID()
			if obj.IsLinkedTo(m.Destination) {
				report.AlreadyLinked++
				continue
			}

			dsts, ok := candidates[id.Type]
			if !ok {
				dsts, err = sess.List(ctx, id.Type, m.Destination)
				if err != nil {
					return fmt.Errorf("failed to list %s objects of %s: %w", id.Type, m.Destination, err)
				}
				candidates[id.Type] = dsts
			}

			match := findEqual(obj, dsts, m.Source)
			if match == nil {
				logger.Debug().Str("object", id.String()).Msg("No equal destination object")
				report.Unmatched = append(report.Unmatched, id)
				continue
			}

			if err := obj.LinkTo(match); err != nil {
				return err
			}
			if err := sess.Store(obj); err != nil {
				return err
			}
			if err := sess.Store(match); err != nil {
				return err
			}

			logger.Info().
				Str("object", id.String()).
				Str("destination", match.ObjectID().String()).
				Msg("Object linked")
			report.Linked = append(report.Linked, id)
		}
		return nil
	})
	if err != nil {
		err = fmt.Errorf("failed to link migration %s: %w", m.Name, err)
		op.End(err)
		return nil, err
	}

	// Saved outside the session: the link transaction holds the write lock
	// until it commits.
	if err := env.Store.SaveLinkSignature(ctx, m.Name, report.Signature); err != nil {
		op.End(err)
		return nil, err
	}
	op.End(nil)

	logger.Info().
		Int("linked", len(report.Linked)).
		Int("already_linked", report.AlreadyLinked).
		Int("unmatched", len(report.Unmatched)).
		Msg("Linking completed")
	return report, nil
}

// findEqual returns the first candidate equal to obj that is not yet the
// counterpart of another object of sourceCloud.
func findEqual(obj *model.Object, candidates []*model.Object, sourceCloud string) *model.Object {
	for _, c := range candidates {
		if link := c.FindLink(sourceCloud); link != nil && link.ID() != obj.ObjectID() {
			continue
		}
		if obj.Equals(c) {
			return c
		}
	}
	return nil
}
