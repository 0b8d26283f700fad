package stores

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/model"
)

var (
	tenantSchema = model.MustSchema("tenant",
		model.PrimaryKey(),
		model.Scalar("name", model.String, model.Required()),
	)

	volumeSchema = model.MustSchema("volume",
		model.PrimaryKey(),
		model.Scalar("size", model.Int, model.Required()),
		model.Scalar("metadata", model.Map, model.InTable("volume_metadata")),
		model.Dependency("tenant", "tenant"),
	)
)

// setupTestStore creates a migrated SQLite store in a temporary directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	registry, err := model.NewRegistry(tenantSchema, volumeSchema)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	store, err := NewSQLiteStore(Config{
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

	if err := store.EnsureTables(ctx); err != nil {
		t.Fatalf("failed to ensure tables: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	registry, _ := model.NewRegistry()
	store, err := NewSQLiteStore(Config{Path: ":memory:"}, registry, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_Validation(t *testing.T) {
	registry, _ := model.NewRegistry()

	if _, err := NewSQLiteStore(Config{}, registry, zerolog.Nop()); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := NewSQLiteStore(Config{Path: "x.db"}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for missing registry")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"objects", "links", "volume_metadata", "runs", "flow_results", "destructor_results", "link_signatures"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// migrating twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

// TestRunCRUD tests Run CRUD operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	run := &Run{
		ID:        "run-001",
		Migration: "tenants",
		Status:    RunStatusRunning,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Migration != "tenants" {
		t.Errorf("expected migration tenants, got %s", retrieved.Migration)
	}

	errMsg := "2 flows reverted"
	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to update run status: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}
	if updated.Status != RunStatusFailed {
		t.Errorf("expected Status %s, got %s", RunStatusFailed, updated.Status)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected Error %s, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); err == nil {
		t.Error("expected error when getting deleted run")
	}
	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusCompleted, nil); err == nil {
		t.Error("expected error when updating deleted run")
	}
}

// TestRunResults tests flow and destructor results and cascading deletes
func TestRunResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	run := &Run{ID: "run-002", Migration: "volumes", Status: RunStatusRunning, StartedAt: now, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	reason := "quota exceeded"
	results := []*FlowResult{
		{RunID: run.ID, Flow: "tenant:src:t1", Status: FlowStatusSucceeded},
		{RunID: run.ID, Flow: "volume:src:v1", Status: FlowStatusReverted, Error: &reason},
	}
	for _, r := range results {
		if err := store.RecordFlowResult(ctx, r); err != nil {
			t.Fatalf("failed to record flow result: %v", err)
		}
		if r.ID == 0 {
			t.Error("expected flow result ID to be set")
		}
	}

	dr := &DestructorResult{RunID: run.ID, Kind: "restore-power", Signature: "server:src:s1"}
	if err := store.RecordDestructorResult(ctx, dr); err != nil {
		t.Fatalf("failed to record destructor result: %v", err)
	}

	got, err := store.ListFlowResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list flow results: %v", err)
	}
	if len(got) != 2 || got[1].Status != FlowStatusReverted || got[1].Error == nil || *got[1].Error != reason {
		t.Errorf("unexpected flow results: %+v", got)
	}

	destructors, err := store.ListDestructorResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list destructor results: %v", err)
	}
	if len(destructors) != 1 || destructors[0].Kind != "restore-power" {
		t.Errorf("unexpected destructor results: %+v", destructors)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	got, err = store.ListFlowResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list flow results: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected 0 flow results after cascade delete, got %d", len(got))
	}
}

func TestLinkSignatures(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetLinkSignature(ctx, "tenants"); err != nil || ok {
		t.Fatalf("expected no signature, got ok=%v err=%v", ok, err)
	}

	sig := []string{"tenant:src:t1", "volume:src:v1"}
	if err := store.SaveLinkSignature(ctx, "tenants", sig); err != nil {
		t.Fatalf("failed to save signature: %v", err)
	}
	if err := store.SaveLinkSignature(ctx, "tenants", sig[:1]); err != nil {
		t.Fatalf("failed to overwrite signature: %v", err)
	}

	got, ok, err := store.GetLinkSignature(ctx, "tenants")
	if err != nil || !ok {
		t.Fatalf("failed to get signature: ok=%v err=%v", ok, err)
	}
	if !model.SameSignature(got, sig[:1]) {
		t.Errorf("expected %v, got %v", sig[:1], got)
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
