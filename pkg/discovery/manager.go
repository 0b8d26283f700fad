package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cloudferry/cloudferry/pkg/cloud"
	"github.com/cloudferry/cloudferry/pkg/model"
	"github.com/cloudferry/cloudferry/pkg/retry"
	"github.com/cloudferry/cloudferry/pkg/stores"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

// Discoverer loads the objects of one type from one cloud.
type Discoverer interface {
	// DiscoverAll stores every instance of the type. Invalid instances are
	// logged and skipped.
	DiscoverAll(ctx context.Context) error

	// DiscoverOne fetches and stores one instance. It fails with an error
	// matching cloud.ErrNotFound when the cloud does not know id.
	DiscoverOne(ctx context.Context, id string) (*model.Object, error)

	// LoadFromCloud converts a cloud representation into an object,
	// resolving its references.
	LoadFromCloud(ctx context.Context, raw cloud.Resource) (*model.Object, error)
}

// Factory creates a discoverer for the named cloud.
type Factory func(m *Manager, cloudName string) (Discoverer, error)

// Options configures a Manager.
type Options struct {
	// Retry is the policy for cloud calls. Zero means retry.Default().
	Retry retry.Retry

	// Workers bounds how many types DiscoverAll loads concurrently.
	Workers int

	Telemetry *telemetry.Telemetry
}

// Manager owns the discoverer registry and implements the lookup algorithm
// shared by every discoverer.
type Manager struct {
	store   stores.Store
	clients cloud.Clients
	retry   retry.Retry
	workers int
	tel     *telemetry.Telemetry
	logger  zerolog.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewManager creates a manager.
func NewManager(store stores.Store, clients cloud.Clients, opts Options, logger zerolog.Logger) *Manager {
	if opts.Retry.MaxAttempts == 0 && opts.Retry.MaxTime == 0 {
		opts.Retry = retry.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop()
	}

	componentLogger := logger.With().Str("component", "discovery").Logger()
	opts.Retry.Logger = componentLogger

	return &Manager{
		store:     store,
		clients:   clients,
		retry:     opts.Retry,
		workers:   opts.Workers,
		tel:       opts.Telemetry,
		logger:    componentLogger,
		factories: make(map[string]Factory),
	}
}

// Register adds the factory for typ.
func (m *Manager) Register(typ string, f Factory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.factories[typ]; exists {
		return fmt.Errorf("discoverer for %s already registered", typ)
	}
	m.factories[typ] = f
	return nil
}

// Types returns the registered types, sorted.
func (m *Manager) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	types := make([]string, 0, len(m.factories))
	for typ := range m.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Store returns the object store.
func (m *Manager) Store() stores.Store {
	return m.store
}

// Client returns the client of the named cloud.
func (m *Manager) Client(cloudName string) (cloud.Client, error) {
	return m.clients.Get(cloudName)
}

// Logger returns the discovery logger.
func (m *Manager) Logger() zerolog.Logger {
	return m.logger
}

// Telemetry returns the telemetry the manager records to.
func (m *Manager) Telemetry() *telemetry.Telemetry {
	return m.tel
}

// Retry returns the policy for cloud calls of operation. Errors that
// retrying cannot fix are returned immediately.
func (m *Manager) Retry(operation string) retry.Retry {
	r := m.retry.WithExpected(
		cloud.ErrNotFound,
		cloud.ErrUnauthorized,
		model.ErrValidation,
		ErrDiscovererNotFound,
		retry.ErrRetry,
	)
	metrics := m.tel.Metrics
	r.Notify = func(attempt int, err error) {
		metrics.RecordRetry(operation)
	}
	return r
}

// Discoverer creates a fresh discoverer for typ in cloudName.
func (m *Manager) Discoverer(typ, cloudName string) (Discoverer, error) {
	m.mu.RLock()
	factory, ok := m.factories[typ]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDiscovererNotFound, typ)
	}
	d, err := factory(m, cloudName)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s discoverer for cloud %s: %w", typ, cloudName, err)
	}
	return d, nil
}

// Resolve implements model.Resolver on top of FindObj. Ids FindObj resolves
// to nothing yield model.ErrNotFound.
func (m *Manager) Resolve(ctx context.Context, id model.ObjectID) (*model.Object, error) {
	obj, err := m.FindObj(ctx, id)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, model.NotFound(id)
	}
	return obj, nil
}

// WithResolver returns ctx with the manager as its resolver.
func (m *Manager) WithResolver(ctx context.Context) context.Context {
	return model.WithResolver(ctx, m)
}

// DiscoverAll loads every registered type, or only types, from cloudName.
// Types are listed concurrently and stored each in its own nested session,
// one type at a time. A type that fails does not stop the others; its error
// is returned with the rest once the successful types are committed.
func (m *Manager) DiscoverAll(ctx context.Context, cloudName string, types ...string) error {
	if len(types) == 0 {
		types = m.Types()
	}
	if _, err := m.Client(cloudName); err != nil {
		return err
	}

	op := telemetry.StartOperation(ctx, "discovery.all", telemetry.AttrCloud.String(cloudName))
	ctx = m.WithResolver(op.Ctx)

	m.logger.Info().Str("cloud", cloudName).Strs("types", types).Msg("Discovering cloud")

	var (
		mu     sync.Mutex
		result *multierror.Error
	)

	err := m.store.WithSession(ctx, func(ctx context.Context, _ *stores.Session) error {
		var g errgroup.Group
		g.SetLimit(m.workers)

		for _, typ := range types {
			g.Go(func() error {
				err := m.discoverType(ctx, cloudName, typ)
				if err != nil {
					mu.Lock()
					result = multierror.Append(result, fmt.Errorf("failed to discover %s: %w", typ, err))
					mu.Unlock()
				}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		result = multierror.Append(result, err)
	}

	err = result.ErrorOrNil()
	op.End(err)
	if err != nil {
		m.logger.Error().Err(err).Str("cloud", cloudName).Msg("Discovery finished with errors")
		return err
	}

	m.logger.Info().
		Str("cloud", cloudName).
		Dur("duration", op.Timer.Duration()).
		Msg("Discovery completed")
	return nil
}

func (m *Manager) discoverType(ctx context.Context, cloudName, typ string) error {
	ctx, span := m.tel.Tracer.StartDiscoverySpan(ctx, cloudName, typ)

	d, err := m.Discoverer(typ, cloudName)
	if err == nil {
		err = d.DiscoverAll(ctx)
	}

	telemetry.EndSpan(span, err)
	if err != nil {
		m.logger.Error().Err(err).Str("cloud", cloudName).Str("type", typ).Msg("Type discovery failed")
	}
	return err
}

// resolving is the chain of ids being fetched by FindObj on this call path.
type resolving struct {
	id   model.ObjectID
	next *resolving
}

type resolvingKey struct{}

func withResolving(ctx context.Context, id model.ObjectID) context.Context {
	next, _ := ctx.Value(resolvingKey{}).(*resolving)
	return context.WithValue(ctx, resolvingKey{}, &resolving{id: id, next: next})
}

// IsResolving reports whether FindObj is already fetching id further up the
// call path of ctx.
func IsResolving(ctx context.Context, id model.ObjectID) bool {
	for r, _ := ctx.Value(resolvingKey{}).(*resolving); r != nil; r = r.next {
		if r.id == id {
			return true
		}
	}
	return false
}

// FindObj returns the object identified by id:
//
//   - a zero id yields nil without touching the store or any cloud;
//   - a tombstoned id yields nil without calling a discoverer;
//   - a stored object is returned as is;
//   - otherwise the registered discoverer fetches and stores it. When the
//     cloud does not know id a tombstone is recorded and nil returned. When
//     the cloud data fails validation the failure is logged and nil
//     returned, without a tombstone.
//
// A type without discoverer fails with ErrDiscovererNotFound.
func (m *Manager) FindObj(ctx context.Context, id model.ObjectID) (*model.Object, error) {
	if id.IsZero() || id.ID == "" {
		m.tel.Metrics.RecordLookup(id.Type, telemetry.LookupNull)
		return nil, nil
	}

	ctx = m.WithResolver(ctx)
	logger := m.logger.With().Str("object", id.String()).Logger()

	var found *model.Object
	err := m.store.WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		missing, err := sess.IsMissing(ctx, id)
		if err != nil {
			return err
		}
		if missing {
			m.tel.Metrics.RecordLookup(id.Type, telemetry.LookupTombstone)
			return nil
		}

		obj, err := sess.Retrieve(ctx, id)
		if err == nil {
			m.tel.Metrics.RecordLookup(id.Type, telemetry.LookupHit)
			found = obj
			return nil
		}
		if !errors.Is(err, model.ErrNotFound) && !errors.Is(err, model.ErrUnknownType) {
			return err
		}

		if IsResolving(ctx, id) {
			logger.Debug().Msg("Object is already being discovered on this path")
			return nil
		}

		d, err := m.Discoverer(id.Type, id.Cloud)
		if err != nil {
			logger.Error().Err(err).Str("type", id.Type).Msg("Cannot discover object")
			return err
		}

		ctx = withResolving(ctx, id)
		obj, err = retry.Do(ctx, m.Retry("discover_one"), func(ctx context.Context) (*model.Object, error) {
			return d.DiscoverOne(ctx, id.ID)
		})
		switch {
		case errors.Is(err, cloud.ErrNotFound):
			logger.Debug().Msg("Object missing in cloud, recording tombstone")
			m.tel.Metrics.RecordLookup(id.Type, telemetry.LookupNotFound)
			sess.StoreMissing(id)
			return nil
		case model.IsValidation(err):
			logger.Warn().Err(err).Msg("Object failed validation, skipping")
			m.tel.Metrics.RecordLookup(id.Type, telemetry.LookupInvalid)
			m.tel.Metrics.RecordObjectInvalid(id.Cloud, id.Type)
			return nil
		case err != nil:
			return fmt.Errorf("failed to discover %s: %w", id, err)
		}

		m.tel.Metrics.RecordLookup(id.Type, telemetry.LookupDiscovered)
		found = obj
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
