package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the queue a run would process",
		Long: `Resolve the selected profiles against the repository, reconcile them with
the installed-state record and print the resulting queue without running
any installer.

Policies are evaluated, so a plan that a run would refuse fails here too.`,
		Example: `  # Print the queue
  winsync plan

  # Machine-readable plan
  winsync plan --json

  # Write the reconciled package graph for Graphviz
  winsync plan --dot plan.dot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg, appOptions{repository: true, installers: true, policy: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			ctx = a.context(ctx)

			orch, err := a.orchestrator(nil)
			if err != nil {
				return err
			}
			plan, err := orch.Plan(ctx)
			if err != nil {
				return err
			}

			if dotFile != "" {
				f, err := os.Create(dotFile)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", dotFile, err)
				}
				if err := plan.Set.WriteDOT(f); err != nil {
					_ = f.Close()
					return fmt.Errorf("failed to write %s: %w", dotFile, err)
				}
				if err := f.Close(); err != nil {
					return err
				}
				log.Info().Str("file", dotFile).Msg("Wrote plan graph")
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the package graph in DOT format to this file")
	return cmd
}
