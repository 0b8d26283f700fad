package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/model"
	"github.com/cloudferry/cloudferry/pkg/stores"
)

// ExampleSQLiteStore_WithSession demonstrates storing and retrieving an object.
func ExampleSQLiteStore_WithSession() {
	dir, err := os.MkdirTemp("", "ferry-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	tenant := model.MustSchema("tenant",
		model.PrimaryKey(),
		model.Scalar("name", model.String),
	)
	registry, err := model.NewRegistry(tenant)
	if err != nil {
		log.Fatal(err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "ferry.db")}, registry, zerolog.Nop())
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	id := model.NewObjectID("tenant", "src", "t1")
	err = store.WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		return sess.Store(model.MustLoad(tenant, map[string]any{"object_id": id, "name": "admin"}))
	})
	if err != nil {
		log.Fatal(err)
	}

	err = store.WithSession(ctx, func(ctx context.Context, sess *stores.Session) error {
		obj, err := sess.Retrieve(ctx, id)
		if err != nil {
			return err
		}
		fmt.Println(obj.ObjectID(), obj.Str("name"))
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}
	// Output: tenant:src:t1 admin
}
