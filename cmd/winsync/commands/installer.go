package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/winsync/winsync/pkg/engine"
	"github.com/winsync/winsync/pkg/installer"
)

func newInstallerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "installer",
		Short: "Work with installer scripts",
	}
	cmd.AddCommand(newInstallerTestCommand())
	return cmd
}

func newInstallerTestCommand() *cobra.Command {
	var (
		metadataPath string
		packageID    string
		filesDir     string
		actions      []string
		timeout      time.Duration
		maxSteps     uint64
	)

	cmd := &cobra.Command{
		Use:   "test <script>",
		Short: "Exercise an installer script against a metadata record",
		Long: `Load an installer script (.star or .wasm) the way a run does and call its
actions in order, printing each result. The installed-state record is not
read or written.

Actions are check, install, upgrade and remove.`,
		Example: `  # Check, install, check again
  winsync installer test scripts/firefox.star --metadata info/firefox.ini

  # Only remove, with the package's files already unpacked
  winsync installer test firefox.wasm --metadata firefox.ini --files-dir ./files/firefox --action remove`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptPath := args[0]
			if packageID == "" {
				packageID = strings.TrimSuffix(filepath.Base(metadataPath), filepath.Ext(metadataPath))
			}
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}

			return testInstaller(cmd.Context(), cmd.OutOrStdout(), installerTest{
				scriptPath:   scriptPath,
				metadataPath: metadataPath,
				packageID:    packageID,
				filesDir:     filesDir,
				actions:      actions,
				config: installer.Config{
					Host:     installer.NewHost(log.Logger, timeout),
					MaxSteps: maxSteps,
				},
			})
		},
	}

	cmd.Flags().StringVarP(&metadataPath, "metadata", "m", "", "metadata record (<id>.ini) of the package")
	cmd.Flags().StringVarP(&packageID, "package", "p", "", "package id (default: metadata file name)")
	cmd.Flags().StringVar(&filesDir, "files-dir", "", "directory holding the package's archive files")
	cmd.Flags().StringSliceVarP(&actions, "action", "a", []string{"check", "install", "check"}, "actions to call, in order")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Hour, "timeout for each command the installer runs")
	cmd.Flags().Uint64Var(&maxSteps, "max-steps", 0, "Starlark execution step limit (0: unlimited)")
	_ = cmd.MarkFlagRequired("metadata")

	return cmd
}

type installerTest struct {
	scriptPath   string
	metadataPath string
	packageID    string
	filesDir     string
	actions      []string
	config       installer.Config
}

func testInstaller(ctx context.Context, w io.Writer, t installerTest) error {
	record, err := os.ReadFile(t.metadataPath)
	if err != nil {
		return fmt.Errorf("failed to read metadata record: %w", err)
	}
	pkg, err := engine.ParsePackage(t.packageID, record)
	if err != nil {
		return err
	}
	script, err := os.ReadFile(t.scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read installer script: %w", err)
	}

	methods := make([]string, len(t.actions))
	for i, a := range t.actions {
		a = strings.ToLower(strings.TrimSpace(a))
		switch a {
		case "check", "install", "upgrade", "remove":
		default:
			return fmt.Errorf("unknown action %q", a)
		}
		methods[i] = a
	}

	resolver, err := installer.NewDefaultResolver(ctx, t.config, log.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = resolver.Close(context.WithoutCancel(ctx)) }()

	inst, err := resolver.Resolve(ctx,
		&engine.InstallerScript{Ref: filepath.Base(t.scriptPath), Data: script},
		engine.InstallerEnv{Package: pkg, FilesDir: t.filesDir})
	if err != nil {
		return err
	}
	defer func() { _ = inst.Close(context.WithoutCancel(ctx)) }()

	fmt.Fprintf(w, "Testing %s with %s %s\n", filepath.Base(t.scriptPath), pkg.ID, pkg.Version)
	for _, m := range methods {
		var (
			ok  bool
			err error
		)
		start := time.Now()
		switch m {
		case "check":
			ok, err = inst.Check(ctx)
		case "install":
			ok, err = inst.Install(ctx)
		case "upgrade":
			ok, err = inst.Upgrade(ctx)
		case "remove":
			ok, err = inst.Remove(ctx)
		}
		elapsed := time.Since(start).Round(time.Millisecond)
		if err != nil {
			removeColor.Fprintf(w, "  %-8s error (%s): %v\n", m, elapsed, err)
			return err
		}
		c := installColor
		if !ok {
			c = upgradeColor
		}
		c.Fprintf(w, "  %-8s %t (%s)\n", m, ok, elapsed)
	}
	return nil
}
