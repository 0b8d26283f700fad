package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/cloud"
	"github.com/cloudferry/cloudferry/pkg/model"
	"github.com/cloudferry/cloudferry/pkg/retry"
	"github.com/cloudferry/cloudferry/pkg/stores"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

// Converter reshapes a cloud resource into the data accepted by model.Load.
// The primary key is filled in by the caller. References are resolved with
// refs.
type Converter func(ctx context.Context, refs *Refs, raw cloud.Resource) (map[string]any, error)

// CloudDiscoverer discovers one resource kind of a cloud.Client.
type CloudDiscoverer struct {
	manager *Manager
	client  cloud.Client
	kind    string
	schema  *model.Schema
	convert Converter
	logger  zerolog.Logger
}

// NewCloudDiscoverer creates a discoverer of the cloud kind, stored as
// schema.Type objects.
func NewCloudDiscoverer(m *Manager, cloudName, kind string, schema *model.Schema, convert Converter) (*CloudDiscoverer, error) {
	client, err := m.Client(cloudName)
	if err != nil {
		return nil, err
	}
	return &CloudDiscoverer{
		manager: m,
		client:  client,
		kind:    kind,
		schema:  schema,
		convert: convert,
		logger: m.Logger().With().
			Str("cloud", cloudName).
			Str("type", schema.Type).
			Logger(),
	}, nil
}

// CloudFactory returns a Factory building CloudDiscoverers.
func CloudFactory(kind string, schema *model.Schema, convert Converter) Factory {
	return func(m *Manager, cloudName string) (Discoverer, error) {
		return NewCloudDiscoverer(m, cloudName, kind, schema, convert)
	}
}

func (d *CloudDiscoverer) observe(ctx context.Context, operation string) func(err error) {
	tel := d.manager.Telemetry()
	_, span := tel.Tracer.StartCloudSpan(ctx, d.client.Name(), operation, d.kind)
	timer := telemetry.NewTimer()
	return func(err error) {
		tel.Metrics.RecordCloudCall(d.client.Name(), operation, timer.Duration(), err)
		telemetry.EndSpan(span, err)
	}
}

// DiscoverAll lists the kind and stores every valid instance.
func (d *CloudDiscoverer) DiscoverAll(ctx context.Context) error {
	items, err := retry.Do(ctx, d.manager.Retry("list"), func(ctx context.Context) ([]cloud.Resource, error) {
		done := d.observe(ctx, "list")
		items, err := d.client.List(ctx, d.kind)
		done(err)
		return items, err
	})
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", d.kind, err)
	}

	tel := d.manager.Telemetry()
	return d.manager.Store().WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		stored := 0
		for _, raw := range items {
			obj, err := d.LoadFromCloud(ctx, raw)
			if model.IsValidation(err) {
				d.logger.Warn().Err(err).Str("id", raw.ID()).Msg("Skipping invalid resource")
				tel.Metrics.RecordObjectInvalid(d.client.Name(), d.schema.Type)
				_ = tel.Events.PublishObjectInvalid(d.client.Name(), d.schema.Type, raw.ID(), err.Error())
				continue
			}
			if errors.Is(err, ErrDiscovererNotFound) {
				d.logger.Error().Err(err).Str("id", raw.ID()).Msg("Skipping resource with unresolvable reference")
				continue
			}
			if err != nil {
				return err
			}
			if err := sess.Store(obj); err != nil {
				return err
			}
			tel.Metrics.RecordObjectDiscovered(d.client.Name(), d.schema.Type)
			stored++
		}

		d.logger.Info().Int("listed", len(items)).Int("stored", stored).Msg("Discovered resources")
		return nil
	})
}

// DiscoverOne fetches and stores one instance.
func (d *CloudDiscoverer) DiscoverOne(ctx context.Context, id string) (*model.Object, error) {
	done := d.observe(ctx, "get")
	raw, err := d.client.Get(ctx, d.kind, id)
	done(err)
	if err != nil {
		return nil, err
	}

	var obj *model.Object
	err = d.manager.Store().WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		loaded, err := d.LoadFromCloud(ctx, raw)
		if err != nil {
			return err
		}
		if err := sess.Store(loaded); err != nil {
			return err
		}
		obj = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.manager.Telemetry().Metrics.RecordObjectDiscovered(d.client.Name(), d.schema.Type)
	d.logger.Debug().Str("id", id).Msg("Discovered resource")
	return obj, nil
}

// LoadFromCloud converts raw into an object of the discoverer's schema and
// checks that references marked for existence resolve.
func (d *CloudDiscoverer) LoadFromCloud(ctx context.Context, raw cloud.Resource) (*model.Object, error) {
	if raw.ID() == "" {
		return nil, &model.ValidationError{Type: d.schema.Type, Field: "id", Reason: "cloud resource has no id"}
	}

	ctx = d.manager.WithResolver(ctx)
	refs := &Refs{manager: d.manager, cloud: d.client.Name()}

	data, err := d.convert(ctx, refs, raw)
	if err != nil {
		return nil, err
	}
	data[model.PrimaryKeyField] = model.NewObjectID(d.schema.Type, d.client.Name(), raw.ID())

	obj, err := model.Load(d.schema, data)
	if err != nil {
		return nil, err
	}
	if err := model.EnsureReferences(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Refs resolves the references of a resource being converted. Referenced
// objects are located with FindObj in the same cloud.
type Refs struct {
	manager *Manager
	cloud   string
}

// One returns a reference to the typ object id, or an untyped nil when id
// is empty or resolves to nothing. An id already being fetched further up
// the call path is returned unresolved.
func (r *Refs) One(ctx context.Context, typ, id string) (any, error) {
	if id == "" {
		return nil, nil
	}

	oid := model.NewObjectID(typ, r.cloud, id)
	if IsResolving(ctx, oid) {
		return model.NewLazy(oid), nil
	}

	obj, err := r.manager.FindObj(ctx, oid)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	return model.LazyOf(obj), nil
}

// Many resolves ids with One, dropping those that resolve to nothing.
func (r *Refs) Many(ctx context.Context, typ string, ids []string) ([]any, error) {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		ref, err := r.One(ctx, typ, id)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			out = append(out, ref)
		}
	}
	return out, nil
}
