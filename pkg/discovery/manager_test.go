package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/cloud"
	"github.com/cloudferry/cloudferry/pkg/model"
	"github.com/cloudferry/cloudferry/pkg/retry"
	"github.com/cloudferry/cloudferry/pkg/stores"
)

var (
	tenantSchema = model.MustSchema("tenant",
		model.PrimaryKey(),
		model.Scalar("name", model.String, model.Required(), model.Validate("min=1")),
	)

	volumeSchema = model.MustSchema("volume",
		model.PrimaryKey(),
		model.Scalar("size", model.Int, model.Required(), model.Validate("min=1")),
		model.Dependency("tenant", "tenant", model.Required(), model.EnsureExistence()),
	)
)

func convertTenant(_ context.Context, _ *Refs, raw cloud.Resource) (map[string]any, error) {
	return map[string]any{"name": raw.Str("name")}, nil
}

func convertVolume(ctx context.Context, refs *Refs, raw cloud.Resource) (map[string]any, error) {
	tenant, err := refs.One(ctx, "tenant", raw.Str("tenant_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"size": raw["size"], "tenant": tenant}, nil
}

// setupTestManager creates a manager over a temporary store and an
// in-memory source cloud with tenant and volume discoverers registered.
func setupTestManager(t *testing.T) (*Manager, *stores.SQLiteStore, *cloud.MemoryClient) {
	t.Helper()

	registry, err := model.NewRegistry(tenantSchema, volumeSchema)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "ferry.db"),
	}, registry, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	src := cloud.NewMemoryClient("src")
	m := NewManager(store, cloud.Clients{"src": src}, Options{
		Retry: retry.Retry{MaxAttempts: 3, Timeout: time.Millisecond},
	}, zerolog.Nop())

	if err := m.Register("tenant", CloudFactory("tenant", tenantSchema, convertTenant)); err != nil {
		t.Fatalf("failed to register tenant: %v", err)
	}
	if err := m.Register("volume", CloudFactory("volume", volumeSchema, convertVolume)); err != nil {
		t.Fatalf("failed to register volume: %v", err)
	}

	return m, store, src
}

func TestFindObj_NullID(t *testing.T) {
	// no store and no clients: any access would panic
	m := NewManager(nil, nil, Options{}, zerolog.Nop())

	for _, id := range []model.ObjectID{{}, {Type: "tenant", Cloud: "src"}} {
		obj, err := m.FindObj(context.Background(), id)
		if err != nil || obj != nil {
			t.Errorf("FindObj(%v) = %v, %v; want nil, nil", id, obj, err)
		}
	}
}

func TestFindObj_TombstoneSkipsDiscoverer(t *testing.T) {
	ctx := context.Background()
	_, store, _ := setupTestManager(t)

	m := NewManager(store, nil, Options{}, zerolog.Nop())
	_ = m.Register("tenant", func(*Manager, string) (Discoverer, error) {
		t.Errorf("discoverer must not be created for a tombstoned id")
		return nil, errors.New("unexpected")
	})

	id := model.NewObjectID("tenant", "src", "gone")
	err := store.WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		sess.StoreMissing(id)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to store tombstone: %v", err)
	}

	obj, err := m.FindObj(ctx, id)
	if err != nil || obj != nil {
		t.Errorf("FindObj = %v, %v; want nil, nil", obj, err)
	}
}

func TestFindObj_DiscoversAndCaches(t *testing.T) {
	ctx := context.Background()
	m, _, src := setupTestManager(t)
	src.Seed("tenant", cloud.Resource{"id": "t1", "name": "admin"})

	id := model.NewObjectID("tenant", "src", "t1")
	obj, err := m.FindObj(ctx, id)
	if err != nil {
		t.Fatalf("FindObj failed: %v", err)
	}
	if obj == nil || obj.Str("name") != "admin" {
		t.Fatalf("Expected tenant admin, got %v", obj)
	}

	again, err := m.FindObj(ctx, id)
	if err != nil || again == nil {
		t.Fatalf("Second FindObj = %v, %v", again, err)
	}
	if calls := src.Calls("get", "tenant"); calls != 1 {
		t.Errorf("Expected the stored object to be reused, got %d cloud calls", calls)
	}
}

func TestFindObj_CloudNotFoundRecordsTombstone(t *testing.T) {
	ctx := context.Background()
	m, store, src := setupTestManager(t)

	id := model.NewObjectID("tenant", "src", "t404")
	for i := 0; i < 2; i++ {
		obj, err := m.FindObj(ctx, id)
		if err != nil || obj != nil {
			t.Fatalf("FindObj = %v, %v; want nil, nil", obj, err)
		}
	}

	if calls := src.Calls("get", "tenant"); calls != 1 {
		t.Errorf("Expected one cloud call, got %d", calls)
	}

	err := store.WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		missing, err := sess.IsMissing(ctx, id)
		if err != nil {
			return err
		}
		if !missing {
			t.Errorf("Expected a tombstone for %s", id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
}

func TestFindObj_ValidationFailureIsNotTombstoned(t *testing.T) {
	ctx := context.Background()
	m, _, src := setupTestManager(t)
	src.Seed("tenant", cloud.Resource{"id": "t1", "name": ""})

	id := model.NewObjectID("tenant", "src", "t1")
	for i := 0; i < 2; i++ {
		obj, err := m.FindObj(ctx, id)
		if err != nil || obj != nil {
			t.Fatalf("FindObj = %v, %v; want nil, nil", obj, err)
		}
	}

	if calls := src.Calls("get", "tenant"); calls != 2 {
		t.Errorf("Expected invalid data to be fetched again, got %d cloud calls", calls)
	}
}

func TestFindObj_DiscovererNotFound(t *testing.T) {
	m, _, _ := setupTestManager(t)

	_, err := m.FindObj(context.Background(), model.NewObjectID("image", "src", "i1"))
	if !errors.Is(err, ErrDiscovererNotFound) {
		t.Fatalf("Expected ErrDiscovererNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "image") {
		t.Errorf("Expected the type in the error, got %v", err)
	}
}

func TestFindObj_RetriesTransientErrors(t *testing.T) {
	m, _, src := setupTestManager(t)
	src.Seed("tenant", cloud.Resource{"id": "t1", "name": "admin"})
	src.FailNext("get", "tenant", errors.New("connection reset"))

	obj, err := m.FindObj(context.Background(), model.NewObjectID("tenant", "src", "t1"))
	if err != nil || obj == nil {
		t.Fatalf("FindObj = %v, %v", obj, err)
	}
	if calls := src.Calls("get", "tenant"); calls != 2 {
		t.Errorf("Expected one retry, got %d cloud calls", calls)
	}
}

func TestFindObj_ResolvesReferencesThroughDiscovery(t *testing.T) {
	ctx := context.Background()
	m, _, src := setupTestManager(t)
	src.Seed("tenant", cloud.Resource{"id": "t1", "name": "admin"})
	src.Seed("volume", cloud.Resource{"id": "v1", "size": 10, "tenant_id": "t1"})

	vol, err := m.FindObj(ctx, model.NewObjectID("volume", "src", "v1"))
	if err != nil || vol == nil {
		t.Fatalf("FindObj = %v, %v", vol, err)
	}

	tenant, err := vol.Ref("tenant").Get(ctx)
	if err != nil {
		t.Fatalf("failed to resolve tenant: %v", err)
	}
	if tenant.Str("name") != "admin" {
		t.Errorf("Expected tenant admin, got %s", tenant.Str("name"))
	}
}

func TestDiscoverAll(t *testing.T) {
	ctx := context.Background()
	m, store, src := setupTestManager(t)

	src.Seed("tenant", cloud.Resource{"id": "t1", "name": "admin"})
	src.Seed("tenant", cloud.Resource{"id": "t2", "name": "demo"})
	src.Seed("volume", cloud.Resource{"id": "v1", "size": 10, "tenant_id": "t1"})
	src.Seed("volume", cloud.Resource{"id": "v2", "size": 10, "tenant_id": "t404"})
	src.Seed("volume", cloud.Resource{"id": "v3", "size": 0, "tenant_id": "t2"})

	if err := m.DiscoverAll(ctx, "src"); err != nil {
		t.Fatalf("DiscoverAll failed: %v", err)
	}

	err := store.WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		tenants, err := sess.List(ctx, "tenant", "src")
		if err != nil {
			return err
		}
		if len(tenants) != 2 {
			t.Errorf("Expected 2 tenants, got %d", len(tenants))
		}

		volumes, err := sess.List(ctx, "volume", "src")
		if err != nil {
			return err
		}
		if len(volumes) != 1 || volumes[0].ObjectID().ID != "v1" {
			t.Errorf("Expected only v1 to be stored, got %v", volumes)
		}

		missing, err := sess.IsMissing(ctx, model.NewObjectID("tenant", "src", "t404"))
		if err != nil {
			return err
		}
		if !missing {
			t.Errorf("Expected a tombstone for the unknown tenant")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
}

func TestDiscoverAll_TypeFailureKeepsOthers(t *testing.T) {
	ctx := context.Background()
	m, store, src := setupTestManager(t)
	src.Seed("tenant", cloud.Resource{"id": "t1", "name": "admin"})
	for i := 0; i < 3; i++ {
		src.FailNext("list", "volume", errors.New("service unavailable"))
	}

	err := m.DiscoverAll(ctx, "src")
	if err == nil || !strings.Contains(err.Error(), "volume") {
		t.Fatalf("Expected volume discovery error, got %v", err)
	}
	if !errors.Is(err, retry.ErrMaxAttemptsReached) {
		t.Errorf("Expected exhausted retries, got %v", err)
	}

	err = store.WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		ok, err := sess.Exists(ctx, model.NewObjectID("tenant", "src", "t1"))
		if err != nil {
			return err
		}
		if !ok {
			t.Errorf("Expected tenants to be committed despite the volume failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
}

func TestDiscoverAll_UnknownCloud(t *testing.T) {
	m, _, _ := setupTestManager(t)
	if err := m.DiscoverAll(context.Background(), "nowhere"); err == nil {
		t.Fatal("Expected error for unknown cloud")
	}
}

func TestRegister_Duplicate(t *testing.T) {
	m, _, _ := setupTestManager(t)
	if err := m.Register("tenant", CloudFactory("tenant", tenantSchema, convertTenant)); err == nil {
		t.Fatal("Expected duplicate registration to fail")
	}
	if got := strings.Join(m.Types(), ","); got != "tenant,volume" {
		t.Errorf("Unexpected types %s", got)
	}
}
