package stores

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/cloudferry/cloudferry/pkg/model"
)

func newTenant(t *testing.T, cloud, id, name string) *model.Object {
	t.Helper()
	obj, err := model.Load(tenantSchema, map[string]any{
		"object_id": model.NewObjectID("tenant", cloud, id),
		"name":      name,
	})
	if err != nil {
		t.Fatalf("failed to load tenant: %v", err)
	}
	return obj
}

func newVolume(t *testing.T, cloud, id string, tenant model.ObjectID) *model.Object {
	t.Helper()
	obj, err := model.Load(volumeSchema, map[string]any{
		"object_id": model.NewObjectID("volume", cloud, id),
		"size":      10,
		"metadata":  map[string]any{"bootable": "false"},
		"tenant":    tenant,
	})
	if err != nil {
		t.Fatalf("failed to load volume: %v", err)
	}
	return obj
}

func countRows(t *testing.T, store *SQLiteStore, table string) int {
	t.Helper()
	var n int
	if err := store.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("failed to count %s: %v", table, err)
	}
	return n
}

func TestSession_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tenant := newTenant(t, "src", "t1", "admin")
	vol := newVolume(t, "src", "v1", tenant.ObjectID())

	err := store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		if err := sess.Store(tenant); err != nil {
			return err
		}
		return sess.Store(vol)
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	if vol.IsDirty(model.DefaultTable) {
		t.Error("expected stored object to be clean")
	}
	if n := countRows(t, store, "volume_metadata"); n != 1 {
		t.Errorf("expected 1 volume_metadata row, got %d", n)
	}

	err = store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		got, err := sess.Retrieve(ctx, vol.ObjectID())
		if err != nil {
			return err
		}
		if got == vol {
			t.Error("expected a freshly restored object")
		}
		if got.Int("size") != 10 || got.Map("metadata")["bootable"] != "false" {
			t.Errorf("unexpected restored fields: size=%d metadata=%v", got.Int("size"), got.Map("metadata"))
		}
		if len(got.DirtyTables()) != 0 {
			t.Errorf("expected retrieved object to be clean, dirty: %v", got.DirtyTables())
		}

		owner, err := got.Ref("tenant").Get(ctx)
		if err != nil {
			return err
		}
		if owner.Str("name") != "admin" {
			t.Errorf("expected lazy tenant to resolve, got %q", owner.Str("name"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
}

func TestSession_WritesOnlyDirtyTables(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	vol := newVolume(t, "src", "v1", model.NewObjectID("tenant", "src", "t1"))
	if err := store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		return sess.Store(vol)
	}); err != nil {
		t.Fatalf("session failed: %v", err)
	}

	// corrupt the metadata row; an unrelated change must not rewrite it
	if _, err := store.db.ExecContext(ctx, `UPDATE volume_metadata SET json = '{"metadata":{"marker":"x"}}'`); err != nil {
		t.Fatalf("failed to update row: %v", err)
	}

	if err := store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		got, err := sess.Retrieve(ctx, vol.ObjectID())
		if err != nil {
			return err
		}
		return got.Set("size", 20)
	}); err != nil {
		t.Fatalf("session failed: %v", err)
	}

	if err := store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		got, err := sess.Retrieve(ctx, vol.ObjectID())
		if err != nil {
			return err
		}
		if got.Int("size") != 20 {
			t.Errorf("expected size 20, got %d", got.Int("size"))
		}
		if got.Map("metadata")["marker"] != "x" {
			t.Errorf("expected metadata row untouched, got %v", got.Map("metadata"))
		}
		return nil
	}); err != nil {
		t.Fatalf("session failed: %v", err)
	}
}

func TestSession_StoreRequiresPrimaryKey(t *testing.T) {
	store := setupTestStore(t)
	nested := model.MustSchema("attachment", model.Scalar("device", model.String))
	obj := model.MustLoad(nested, map[string]any{"device": "/dev/vdb"})

	err := store.WithSession(context.Background(), func(ctx context.Context, sess *Session) error {
		return sess.Store(obj)
	})
	if !errors.Is(err, model.ErrMissingPrimaryKey) {
		t.Errorf("expected ErrMissingPrimaryKey, got %v", err)
	}
}

func TestSession_NegativeCache(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	id := model.NewObjectID("tenant", "src", "gone")

	err := store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		sess.StoreMissing(id)
		missing, err := sess.IsMissing(ctx, id)
		if err != nil {
			return err
		}
		if !missing {
			t.Error("expected id to be missing")
		}
		if _, err := sess.Retrieve(ctx, id); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	err = store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		missing, err := sess.IsMissing(ctx, id)
		if err != nil {
			return err
		}
		if !missing {
			t.Error("expected persisted tombstone")
		}
		exists, err := sess.Exists(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			t.Error("tombstoned id must not exist")
		}
		other, err := sess.IsMissing(ctx, model.NewObjectID("tenant", "src", "never-seen"))
		if err != nil {
			return err
		}
		if other {
			t.Error("unknown id must not be reported missing")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
}

func TestSession_NestedIsolation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	tenant := newTenant(t, "src", "t1", "admin")

	err := store.WithSession(ctx, func(ctx context.Context, outer *Session) error {
		err := store.WithSession(ctx, func(ctx context.Context, inner *Session) error {
			if err := inner.Store(tenant); err != nil {
				return err
			}
			got, err := inner.Retrieve(ctx, tenant.ObjectID())
			if err != nil {
				return err
			}
			if got != tenant {
				t.Error("expected inner session to see its own write")
			}
			return nil
		})
		if err != nil {
			return err
		}

		if _, err := outer.Retrieve(ctx, tenant.ObjectID()); err != nil {
			t.Errorf("expected outer session to see child write: %v", err)
		}
		if n := countRows(t, store, "objects"); n != 0 {
			t.Errorf("expected no committed rows before outer exit, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	if n := countRows(t, store, "objects"); n != 1 {
		t.Errorf("expected 1 committed row, got %d", n)
	}
}

func TestSession_FailedNestedSessionWritesNothing(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithSession(ctx, func(ctx context.Context, outer *Session) error {
		err := store.WithSession(ctx, func(ctx context.Context, inner *Session) error {
			if err := inner.Store(newTenant(t, "src", "t1", "admin")); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("expected inner error, got %v", err)
		}
		if _, err := outer.Retrieve(ctx, model.NewObjectID("tenant", "src", "t1")); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("expected failed child write to be discarded, got %v", err)
		}
		return outer.Store(newTenant(t, "src", "t2", "demo"))
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	if n := countRows(t, store, "objects"); n != 1 {
		t.Errorf("expected only the outer write, got %d rows", n)
	}
}

func TestSession_FailedNestedSessionDiscardsFlushedWrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithSession(ctx, func(ctx context.Context, outer *Session) error {
		err := store.WithSession(ctx, func(ctx context.Context, inner *Session) error {
			if err := inner.Store(newTenant(t, "src", "t1", "admin")); err != nil {
				return err
			}
			// opening a child flushes t1 into the shared transaction
			if err := store.WithSession(ctx, func(ctx context.Context, _ *Session) error { return nil }); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("expected inner error, got %v", err)
		}
		if _, err := outer.Retrieve(ctx, model.NewObjectID("tenant", "src", "t1")); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("expected flushed write of the failed session to be rolled back, got %v", err)
		}
		return outer.Store(newTenant(t, "src", "t2", "demo"))
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	if n := countRows(t, store, "objects"); n != 1 {
		t.Errorf("expected only the outer write, got %d rows", n)
	}
}

func TestSession_FailedNestedSessionDiscardsItsChildren(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	kept := newTenant(t, "src", "t1", "admin")
	lost := newTenant(t, "src", "t2", "demo")

	err := store.WithSession(ctx, func(ctx context.Context, outer *Session) error {
		if err := outer.Store(kept); err != nil {
			return err
		}
		err := store.WithSession(ctx, func(ctx context.Context, inner *Session) error {
			err := store.WithSession(ctx, func(ctx context.Context, leaf *Session) error {
				return leaf.Store(lost)
			})
			if err != nil {
				return err
			}
			if _, err := inner.Retrieve(ctx, lost.ObjectID()); err != nil {
				t.Errorf("expected inner session to see its child's write: %v", err)
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("expected inner error, got %v", err)
		}
		if _, err := outer.Retrieve(ctx, lost.ObjectID()); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("expected committed child of a failed session to be discarded, got %v", err)
		}

		// a later sibling still nests cleanly
		return store.WithSession(ctx, func(ctx context.Context, sibling *Session) error {
			return sibling.Store(newTenant(t, "src", "t3", "ops"))
		})
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	if n := countRows(t, store, "objects"); n != 2 {
		t.Errorf("expected t1 and t3, got %d rows", n)
	}
	if !lost.IsDirty(model.DefaultTable) {
		t.Error("expected the discarded object to stay dirty")
	}
	if kept.IsDirty(model.DefaultTable) {
		t.Error("expected the committed object to be clean")
	}
}

func TestSession_StoreAgainAfterRollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	tenant := newTenant(t, "src", "t1", "admin")

	err := store.WithSession(ctx, func(ctx context.Context, outer *Session) error {
		if err := outer.Store(tenant); err != nil {
			return err
		}
		if err := store.WithSession(ctx, func(ctx context.Context, _ *Session) error { return nil }); err != nil {
			return err
		}
		if !tenant.IsDirty(model.DefaultTable) {
			t.Error("expected a flushed but uncommitted object to stay dirty")
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !tenant.IsDirty(model.DefaultTable) {
		t.Fatal("expected rolled back object to stay dirty")
	}

	if err := store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		return sess.Store(tenant)
	}); err != nil {
		t.Fatalf("session failed: %v", err)
	}

	err = store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		got, err := sess.Retrieve(ctx, tenant.ObjectID())
		if err != nil {
			return err
		}
		if got.Str("name") != "admin" {
			t.Errorf("expected name admin, got %q", got.Str("name"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected object stored after rollback to be retrievable: %v", err)
	}
	if tenant.IsDirty(model.DefaultTable) {
		t.Error("expected object to be clean after commit")
	}
}

func TestSession_ConcurrentNestedSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	tenants := make([]*model.Object, 8)
	for i := range tenants {
		tenants[i] = newTenant(t, "src", fmt.Sprintf("t%d", i), "admin")
	}

	err := store.WithSession(ctx, func(ctx context.Context, outer *Session) error {
		var g errgroup.Group
		for i, tenant := range tenants {
			g.Go(func() error {
				err := store.WithSession(ctx, func(ctx context.Context, inner *Session) error {
					if err := inner.Store(tenant); err != nil {
						return err
					}
					if err := store.WithSession(ctx, func(ctx context.Context, _ *Session) error { return nil }); err != nil {
						return err
					}
					if i%2 == 1 {
						return boom
					}
					return nil
				})
				if err != nil && !errors.Is(err, boom) {
					return err
				}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	if n := countRows(t, store, "objects"); n != len(tenants)/2 {
		t.Errorf("expected %d rows from the successful sessions, got %d", len(tenants)/2, n)
	}
}

func TestSession_RollbackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithSession(ctx, func(ctx context.Context, outer *Session) error {
		if err := outer.Store(newTenant(t, "src", "t1", "admin")); err != nil {
			return err
		}
		// the child flushes the outer write into the shared transaction
		if err := store.WithSession(ctx, func(ctx context.Context, inner *Session) error { return nil }); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	if n := countRows(t, store, "objects"); n != 0 {
		t.Errorf("expected rollback, got %d rows", n)
	}
}

func TestSession_ListMergesCacheAndStore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		for _, obj := range []*model.Object{
			newTenant(t, "src", "t1", "admin"),
			newTenant(t, "dst", "x1", "admin"),
		} {
			if err := sess.Store(obj); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("session failed: %v", err)
	}

	err := store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		if err := sess.Store(newTenant(t, "src", "t2", "demo")); err != nil {
			return err
		}

		src, err := sess.List(ctx, "tenant", "src")
		if err != nil {
			return err
		}
		if len(src) != 2 || src[0].ObjectID().ID != "t1" || src[1].ObjectID().ID != "t2" {
			t.Errorf("unexpected src tenants: %v", src)
		}

		all, err := sess.List(ctx, "tenant", "")
		if err != nil {
			return err
		}
		if len(all) != 3 {
			t.Errorf("expected 3 tenants, got %d", len(all))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
}

func TestSession_Delete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		if err := sess.Store(newTenant(t, "src", "t1", "admin")); err != nil {
			return err
		}
		if err := sess.Store(newTenant(t, "dst", "x1", "admin")); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	err = store.WithSession(ctx, func(ctx context.Context, sess *Session) error {
		if _, err := sess.Delete(ctx, DeleteFilter{}); !errors.Is(err, ErrUnconstrainedDelete) {
			t.Errorf("expected ErrUnconstrainedDelete, got %v", err)
		}
		if _, err := sess.Delete(ctx, DeleteFilter{Cloud: "src", Table: "bogus"}); err == nil {
			t.Error("expected error for unknown table")
		}

		n, err := sess.Delete(ctx, DeleteFilter{Cloud: "dst"})
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("expected 1 deleted row, got %d", n)
		}

		remaining, err := sess.List(ctx, "tenant", "")
		if err != nil {
			return err
		}
		if len(remaining) != 1 || remaining[0].ObjectID().Cloud != "src" {
			t.Errorf("unexpected remaining tenants: %v", remaining)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
}
