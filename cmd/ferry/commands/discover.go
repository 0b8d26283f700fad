package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDiscoverCommand() *cobra.Command {
	var types []string

	cmd := &cobra.Command{
		Use:   "discover [cloud...]",
		Short: "Load cloud resources into the store",
		Long: `Discover the resources of the named clouds, or of every configured cloud,
and store them as objects.

Resources that fail validation are logged and skipped. Objects stored by an
earlier discovery of the same cloud and type are replaced.`,
		Example: `  # Discover every cloud
  ferry discover

  # Discover servers and volumes of one cloud
  ferry discover src --type server --type volume`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			clouds := args
			if len(clouds) == 0 {
				clouds = a.cfg.CloudNames()
			}

			for _, name := range clouds {
				a.logger.Info().Str("cloud", name).Strs("types", types).Msg("Discovering cloud")
				if err := a.env.Discovery.DiscoverAll(ctx, name, types...); err != nil {
					return fmt.Errorf("failed to discover %s: %w", name, err)
				}
			}

			if !jsonOutput {
				fmt.Printf("Discovered %d clouds\n", len(clouds))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "limit discovery to object types")

	return cmd
}
