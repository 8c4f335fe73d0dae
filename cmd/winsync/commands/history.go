package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs",
		Long: `List past runs, newest first, or show the packages and events of one run.
Run history needs the sqlite state backend.`,
		Example: `  # Last 20 runs
  winsync history

  # Details of one run
  winsync history 0b6f5c1e-3d0e-4f43-9a55-3c2d1f9f8a10`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			if err := a.requireSQLite(); err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			if len(args) == 0 {
				runs, err := a.sqlite.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(w, runs)
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tINSTALL\tUPGRADE\tREMOVE\tREBOOT\tDURATION")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%t\t%s\n",
						r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Status,
						r.Install, r.Upgrade, r.Remove, r.RebootRequired, r.Duration().Round(time.Second))
				}
				return tw.Flush()
			}

			run, err := a.sqlite.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			pkgs, err := a.sqlite.ListRunPackages(ctx, run.ID)
			if err != nil {
				return err
			}
			events, err := a.sqlite.ListEvents(ctx, run.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(w, map[string]interface{}{
					"run":      run,
					"packages": pkgs,
					"events":   events,
				})
			}

			fmt.Fprintf(w, "Run %s: %s\n", run.ID, run.Status)
			if run.Error != nil {
				removeColor.Fprintf(w, "Error: %s\n", *run.Error)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\nPACKAGE\tMETHOD\tSTATUS\tDURATION")
			for _, p := range pkgs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.PackageID, p.Method, p.Status, p.Duration.Round(time.Millisecond))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if len(events) > 0 {
				fmt.Fprintln(w, "\nEvents:")
				for _, e := range events {
					fmt.Fprintf(w, "  %s %-18s %s\n", e.CreatedAt.Format("15:04:05"), e.Type, e.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	return cmd
}
