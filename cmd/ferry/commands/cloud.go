package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cloudferry/cloudferry/pkg/cloud"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

func newCloudCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloud",
		Short: "Local cloud commands",
		Long: `Commands for running a fake cloud locally.

The fake cloud keeps its resources in memory and speaks the same REST API as
the http cloud client, so it can stand in for a real cloud in tests and demos.`,
	}

	cmd.AddCommand(newCloudServeCommand())

	return cmd
}

func newCloudServeCommand() *cobra.Command {
	var (
		name     string
		listen   string
		fixtures string
		watch    bool
		username string
		password string
		tokenTTL time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory cloud over HTTP",
		Example: `  # Serve fixtures on :8774
  ferry cloud serve --name src --fixtures src.yaml

  # Reload the fixtures when the file changes
  ferry cloud serve --name src --fixtures src.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tcfg := telemetry.DefaultConfig()
			if verbose {
				tcfg.Logging.Level = "debug"
			}
			logger, err := telemetry.NewLogger(tcfg.Logging)
			if err != nil {
				return err
			}
			zl := logger.Zerolog()

			backend := cloud.NewMemoryClient(name)
			if fixtures != "" {
				f, err := cloud.LoadFixtures(fixtures)
				if err != nil {
					return err
				}
				backend.Load(f)
			}
			if watch && fixtures == "" {
				return fmt.Errorf("--watch needs --fixtures")
			}

			server := cloud.NewServer(backend, cloud.Credentials{Username: username, Password: password}, tokenTTL, zl)
			httpServer := &http.Server{
				Addr:              listen,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				zl.Info().Str("cloud", name).Str("address", listen).Msg("Serving cloud")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})
			if watch {
				g.Go(func() error {
					return cloud.NewFixtureWatcher(fixtures, 0, zl).Watch(ctx, func(f cloud.Fixtures) {
						backend.Load(f)
						server.RevokeTokens()
					})
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&name, "name", "local", "cloud name")
	cmd.Flags().StringVar(&listen, "listen", ":8774", "listen address")
	cmd.Flags().StringVar(&fixtures, "fixtures", "", "YAML fixtures file seeding the cloud")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload fixtures when the file changes")
	cmd.Flags().StringVar(&username, "username", "admin", "accepted username")
	cmd.Flags().StringVar(&password, "password", "admin", "accepted password")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", time.Hour, "token lifetime")

	return cmd
}
