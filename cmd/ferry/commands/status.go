package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show migration runs",
		Long: `List recent runs, or show the flows and compensating actions of one run.`,
		Example: `  # Recent runs
  ferry status

  # One run
  ferry status 3f7c1c2e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if len(args) == 0 {
				runs, err := a.store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(runs)
				}
				for _, r := range runs {
					fmt.Printf("%s  %-10s  %-20s  %s\n", r.ID, r.Status, r.Migration, r.StartedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			run, err := a.store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			flows, err := a.store.ListFlowResults(ctx, run.ID)
			if err != nil {
				return err
			}
			destructors, err := a.store.ListDestructorResults(ctx, run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{
					"run":         run,
					"flows":       flows,
					"destructors": destructors,
				})
			}

			fmt.Printf("Run %s (%s): %s\n", run.ID, run.Migration, run.Status)
			if run.Error != nil {
				fmt.Printf("  error: %s\n", *run.Error)
			}
			for _, f := range flows {
				line := fmt.Sprintf("  %-40s %s", f.Flow, f.Status)
				if f.Error != nil {
					line += ": " + *f.Error
				}
				fmt.Println(line)
			}
			for _, d := range destructors {
				line := fmt.Sprintf("  destructor %s %s", d.Kind, d.Signature)
				if d.Error != nil {
					line += ": " + *d.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")

	return cmd
}
