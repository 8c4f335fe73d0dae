package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	agentVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	agentVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "winsync",
		Short: "winsync - package deployment agent",
		Long: `winsync keeps a machine's installed packages in line with the profiles
published in a package repository.

Each run:
  - selects the packages of every profile matching this machine
  - expands depend and chain relations into a priority-ordered queue
  - reconciles the queue with the installed-state record
  - installs, upgrades and removes packages through installer scripts`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default <base>/etc/winsync.yaml, or $WINSYNC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newProfilesCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newInstallerCommand())
	rootCmd.AddCommand(newAgentCommand())

	return rootCmd
}
