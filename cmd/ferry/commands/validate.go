package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cloudferry/cloudferry/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file and the policies it references.

This command checks:
  - YAML syntax, or CUE schema conformance for .cue files
  - Field constraints (cloud types, endpoints, migration clouds)
  - That every migration names configured clouds
  - That every policy file compiles`,
		Example: `  # Validate ferry.yaml
  ferry validate

  # Validate a CUE config
  ferry validate -c ferry.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			engine, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if len(cfg.Policies) > 0 {
				if err := engine.LoadPolicies(cmd.Context(), cfg.Policies); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(map[string]any{
					"valid":      true,
					"clouds":     cfg.CloudNames(),
					"migrations": cfg.MigrationNames(),
					"policies":   len(engine.ListPolicies()),
				})
			}
			fmt.Printf("%s is valid: %d clouds, %d migrations, %d policies\n",
				configPath, len(cfg.Clouds), len(cfg.Migrations), len(engine.ListPolicies()))
			return nil
		},
	}

	return cmd
}
