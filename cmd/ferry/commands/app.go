package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/cloud"
	"github.com/cloudferry/cloudferry/pkg/config"
	"github.com/cloudferry/cloudferry/pkg/discovery"
	"github.com/cloudferry/cloudferry/pkg/engine"
	"github.com/cloudferry/cloudferry/pkg/migration"
	"github.com/cloudferry/cloudferry/pkg/model"
	"github.com/cloudferry/cloudferry/pkg/policy"
	"github.com/cloudferry/cloudferry/pkg/resources"
	"github.com/cloudferry/cloudferry/pkg/stores"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

// app holds everything a command needs, built from the config file.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	env    *migration.Env
	logger zerolog.Logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// openApp loads the config and wires the store, clouds, discovery manager,
// policy engine and scheduler.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	if cfg.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	registry, err := model.NewRegistry(resources.Schemas()...)
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(cfg.StoreOptions(), registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	clients, err := buildClients(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	manager := discovery.NewManager(store, clients, discovery.Options{
		Retry:     cfg.RetryPolicy(logger),
		Workers:   cfg.DiscoveryWorkers,
		Telemetry: tel,
	}, logger)
	factories := migration.NewFactories()
	kinds := engine.NewDestructorKinds()
	if err := resources.Register(manager, factories, kinds); err != nil {
		_ = store.Close()
		return nil, err
	}

	policies, err := policy.NewEngine(logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if len(cfg.Policies) > 0 {
		if err := policies.LoadPolicies(ctx, cfg.Policies); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	env := &migration.Env{
		Store:       store,
		Discovery:   manager,
		Factories:   factories,
		Destructors: kinds,
		Scheduler: engine.NewScheduler(engine.SchedulerOptions{
			MaxParallel:     cfg.Workers,
			Store:           store,
			DestructorKinds: kinds,
			Telemetry:       tel,
		}, logger),
		Policy:    policies,
		Telemetry: tel,
		Logger:    logger,
	}

	return &app{cfg: cfg, tel: tel, store: store, env: env, logger: logger}, nil
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// migration returns the named configured migration.
func (a *app) migration(name string) (migration.Migration, error) {
	mc, err := a.cfg.Migration(name)
	if err != nil {
		return migration.Migration{}, err
	}
	return migration.FromConfig(name, mc), nil
}

// buildClients creates one client per configured cloud. Memory clouds are
// seeded from their fixtures file.
func buildClients(cfg *config.Config, logger zerolog.Logger) (cloud.Clients, error) {
	clients := make(cloud.Clients, len(cfg.Clouds))
	for _, name := range cfg.CloudNames() {
		cc := cfg.Clouds[name]
		switch cc.Type {
		case "memory":
			mem := cloud.NewMemoryClient(name)
			if cc.Fixtures != "" {
				fixtures, err := cloud.LoadFixtures(cc.Fixtures)
				if err != nil {
					return nil, fmt.Errorf("cloud %s: %w", name, err)
				}
				mem.Load(fixtures)
			}
			clients[name] = mem
		case "http":
			client, err := cloud.NewHTTPClient(cloud.HTTPConfig{
				Name:     name,
				Endpoint: cc.Endpoint,
				Username: cc.Username,
				Password: cc.Password,
				Tenant:   cc.Tenant,
				Timeout:  cc.Timeout.Std(),
			}, logger)
			if err != nil {
				return nil, err
			}
			clients[name] = client
		default:
			return nil, fmt.Errorf("cloud %s: unknown type %q", name, cc.Type)
		}
	}
	return clients, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
