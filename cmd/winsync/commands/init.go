package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/winsync/winsync/pkg/config"
	"github.com/winsync/winsync/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		baseDir string
		repoURL string
		backend string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the agent directory layout and a default configuration",
		Long: `Create the directory layout under the base directory, write a default
configuration file and initialize the state store.

Layout:
  etc/               configuration and policies
  var/spool/         per-package staging directories
  var/cache/pkg-info metadata record cache
  var/state/         installed-state record and run history`,
		Example: `  # Initialize with an SFTP repository
  winsync init --repo-url sftp://deploy@repo.example.com/srv/winsync

  # Keep the installed-state record in installed.ini
  winsync init --base-dir /opt/winsync --repo-url /mnt/packages --backend ini`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseDir == "" {
				baseDir = config.DefaultBaseDir()
			}
			cfg := config.Default(baseDir)
			cfg.Repository.URL = repoURL
			cfg.State.Backend = backend
			cfg.Telemetry.ServiceVersion = agentVersion

			path := configPath
			if path == "" {
				path = cfg.Layout().ConfigFile()
			}
			log.Info().Str("base_dir", baseDir).Str("config", path).Msg("Initializing agent")

			return initAgent(cmd.Context(), cmd.OutOrStdout(), cfg, path, force)
		},
	}

	cmd.Flags().StringVar(&baseDir, "base-dir", "", "agent base directory (default %ProgramData%\\winsync or /var/lib/winsync)")
	cmd.Flags().StringVar(&repoURL, "repo-url", "", "package repository URL")
	cmd.Flags().StringVar(&backend, "backend", config.BackendSQLite, "state backend (sqlite or ini)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")
	_ = cmd.MarkFlagRequired("repo-url")

	return cmd
}

func initAgent(ctx context.Context, out io.Writer, cfg *config.Config, path string, force bool) error {
	if err := config.NewLoader().Validate(ctx, cfg); err != nil {
		return err
	}

	layout := cfg.Layout()
	if err := layout.Ensure(); err != nil {
		return err
	}
	for _, dir := range layout.Dirs() {
		fmt.Fprintf(out, "✓ Directory %s\n", dir)
	}
	for _, dir := range cfg.PolicyDirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create policy directory: %w", err)
		}
	}

	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(out, "• Keeping existing configuration %s (use --force to overwrite)\n", path)
	} else {
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Configuration %s\n", path)
	}

	statePath := cfg.StatePath()
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if cfg.State.Backend == config.BackendSQLite {
		store, err := stores.OpenSQLiteStore(ctx, statePath)
		if err != nil {
			return fmt.Errorf("failed to initialize state store: %w", err)
		}
		if err := store.Close(); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "✓ State store %s (%s)\n", statePath, cfg.State.Backend)
	return nil
}
