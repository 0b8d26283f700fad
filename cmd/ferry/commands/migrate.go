package commands

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cloudferry/cloudferry/pkg/migration"
	"github.com/cloudferry/cloudferry/pkg/stores"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

func newMigrateCommand() *cobra.Command {
	var (
		link     bool
		progress bool
	)

	cmd := &cobra.Command{
		Use:   "migrate <migration>",
		Short: "Run a migration",
		Long: `Copy the objects of a migration and their dependencies to the destination
cloud.

Every object becomes a flow of tasks. A flow that fails is reverted and the
flows requiring it are skipped; the others keep running. Compensating
actions such as powering source servers back on run once at the end.

The command fails unless every flow succeeded.`,
		Example: `  # Link, then migrate
  ferry migrate tenant-a --link

  # Print flow progress while the run executes
  ferry migrate tenant-a --progress`,
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

			if link {
				roots, err := migration.SelectRoots(ctx, a.env, m)
				if err != nil {
					return err
				}
				if _, err := migration.Link(ctx, a.env, m, roots); err != nil {
					return err
				}
			}

			runID := uuid.New().String()
			if progress {
				a.tel.Events.Subscribe(func(e telemetry.Event) {
					fmt.Fprintf(os.Stderr, "%s [%s] %s\n", e.Timestamp.Format("15:04:05"), e.Level, e.Message)
				}, telemetry.FilterByRunID(runID))
			}

			report, err := migration.MigrateRun(ctx, a.env, m, runID)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				fmt.Printf("Run %s %s in %s: %d succeeded, %d reverted, %d skipped\n",
					report.RunID, report.Status, report.Duration.Round(1e6),
					report.Count(stores.FlowStatusSucceeded),
					report.Count(stores.FlowStatusReverted),
					report.Count(stores.FlowStatusSkipped))
				for _, f := range report.Failed() {
					if f.Error != nil {
						fmt.Printf("  %s %s: %v\n", f.ID, f.Status, f.Error)
					} else {
						fmt.Printf("  %s %s\n", f.ID, f.Status)
					}
				}
			}

			if report.Status != stores.RunStatusCompleted {
				return fmt.Errorf("migration %s ended %s", m.Name, report.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&link, "link", false, "link objects before migrating")
	cmd.Flags().BoolVar(&progress, "progress", false, "print the run's progress events to stderr")

	return cmd
}
