package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudferry/cloudferry/pkg/migration"
)

func newLinkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link <migration>",
		Short: "Link source objects to equal destination objects",
		Long: `Match the objects of a migration and their dependencies with equal objects
already present in the destination cloud. Linked objects are not copied
again by migrate.

Both clouds must have been discovered. Linking is idempotent.`,
		Example: `  # Link the objects of migration "tenant-a"
  ferry link tenant-a`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			m, err := a.migration(args[0])
			if err != nil {
				return err
			}
			roots, err := migration.SelectRoots(ctx, a.env, m)
			if err != nil {
				return err
			}

			report, err := migration.Link(ctx, a.env, m, roots)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(report)
			}
			fmt.Printf("Linked %d objects, %d already linked, %d without a match\n",
				len(report.Linked), report.AlreadyLinked, len(report.Unmatched))
			for _, id := range report.Unmatched {
				fmt.Printf("  unmatched: %s\n", id)
			}
			return nil
		},
	}

	return cmd
}
