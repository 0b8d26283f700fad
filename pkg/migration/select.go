package migration

import (
	"context"
	"fmt"

	"github.com/cloudferry/cloudferry/pkg/model"
	"github.com/cloudferry/cloudferry/pkg/stores"
)

// SelectRoots returns the source objects picked by the selectors of m, each
// once, in selector order. Listed ids unknown to the source cloud are
// logged and skipped; a type selector without ids reads the objects stored
// by discovery.
func SelectRoots(ctx context.Context, env *Env, m Migration) ([]*model.Object, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}

	logger := env.Logger.With().Str("migration", m.Name).Logger()
	seen := make(map[model.ObjectID]bool)
	var roots []*model.Object

	ctx = env.Discovery.WithResolver(ctx)
	err := env.Store.WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		for _, sel := range m.Selectors {
			var candidates []*model.Object

			if len(sel.IDs) == 0 {
				objs, err := sess.List(ctx, sel.Type, m.Source)
				if err != nil {
					return fmt.Errorf("failed to list %s objects: %w", sel.Type, err)
				}
				candidates = objs
			}
			for _, id := range sel.IDs {
				oid := model.NewObjectID(sel.Type, m.Source, id)
				obj, err := env.Discovery.FindObj(ctx, oid)
				if err != nil {
					return err
				}
				if obj == nil {
					logger.Warn().Str("object", oid.String()).Msg("Selected object does not exist")
					continue
				}
				candidates = append(candidates, obj)
			}

			var filter *Filter
			if sel.Where != "" {
				filter = NewFilter(sel.Where)
			}

			for _, obj := range candidates {
				id := obj.ObjectID()
				if seen[id] {
					continue
				}
				if filter != nil {
					ok, err := filter.Match(ctx, obj)
					if err != nil {
						return err
					}
					if !ok {
						continue
					}
				}
				seen[id] = true
				roots = append(roots, obj)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select objects of migration %s: %w", m.Name, err)
	}

	logger.Debug().Int("roots", len(roots)).Msg("Selected migration roots")
	return roots, nil
}
