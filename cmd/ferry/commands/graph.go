package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudferry/cloudferry/pkg/engine"
	"github.com/cloudferry/cloudferry/pkg/migration"
)

func newGraphCommand() *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "graph <migration>",
		Short: "Show the migration graph",
		Long: `Build the migration graph without running it and print its execution
levels. Flows in the same level run concurrently.`,
		Example: `  # Print the levels
  ferry graph tenant-a

  # Write a Graphviz file
  ferry graph tenant-a --dot graph.dot`,
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
			g, err := migration.Plan(ctx, a.env, m)
			if err != nil {
				return err
			}

			builder := engine.NewDAGBuilder()
			exec, err := builder.BuildGraph(g)
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(builder.ToDOT(nil)), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", dotFile, err)
				}
			}

			if jsonOutput {
				return printJSON(exec.Levels)
			}
			for i, level := range exec.Levels {
				fmt.Printf("level %d:\n", i)
				for _, id := range level {
					flow := g.Flow(id)
					fmt.Printf("  %s (%d tasks)\n", flow.Label, len(flow.Tasks))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the graph in DOT format to this file")

	return cmd
}
