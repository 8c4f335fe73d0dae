package commands

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/winsync/winsync/pkg/engine"
	"github.com/winsync/winsync/pkg/installer"
)

func newRunCommand() *cobra.Command {
	var reboot bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bring installed packages in line with the selected profiles",
		Long: `Run the full pipeline once: select profiles, resolve dependencies,
reconcile with the installed-state record and process the queue.

The installed-state record is saved even when a package fails. The command
exits non-zero when the run fails. When a processed package asks for a
reboot the command says so; with --reboot it runs the configured reboot
command.`,
		Example: `  # Run once
  winsync run

  # Run and reboot when a package requires it
  winsync run --reboot`,
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

			result, err := a.run(a.context(ctx), cmd.ErrOrStderr())
			if jsonOutput {
				if jerr := writeJSON(cmd.OutOrStdout(), result); jerr != nil {
					return jerr
				}
			} else if result != nil {
				printResult(cmd.OutOrStdout(), result)
			}
			if err != nil {
				return err
			}

			if result.RebootRequired && reboot {
				return a.reboot(ctx)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&reboot, "reboot", false, "run the configured reboot command when a package requires it")
	return cmd
}

// run executes one orchestrated run with a download progress watcher.
func (a *app) run(ctx context.Context, progress io.Writer) (*engine.RunResult, error) {
	gate := engine.NewDownloadGate()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchDownloads(gate, progress)
	}()
	defer func() {
		gate.Close()
		wg.Wait()
	}()

	orch, err := a.orchestrator(gate)
	if err != nil {
		return nil, err
	}

	result, err := orch.Run(ctx)
	if werr := a.tel.Metrics.WriteTextfile(); werr != nil {
		a.logger.Warn().Err(werr).Msg("Failed to write metrics textfile")
	}
	a.pruneHistory(context.WithoutCancel(ctx))
	return result, err
}

// watchDownloads reports download progress until the gate is closed.
func watchDownloads(gate *engine.DownloadGate, w io.Writer) {
	for sig := range gate.Signals() {
		switch sig.Phase {
		case engine.DownloadStarted:
			dimColor.Fprintf(w, "Downloading %d file(s) for %s\n", len(sig.Files), sig.PackageID)
		case engine.DownloadFinished:
			if sig.Err != nil {
				removeColor.Fprintf(w, "Download for %s failed: %v\n", sig.PackageID, sig.Err)
			} else {
				dimColor.Fprintf(w, "Downloaded %s\n", sig.PackageID)
			}
		}
		sig.Ack()
	}
}

// reboot runs the configured reboot command.
func (a *app) reboot(ctx context.Context) error {
	argv := a.cfg.Reboot.Command
	if len(argv) == 0 {
		return fmt.Errorf("no reboot command configured")
	}
	log.Warn().Strs("command", argv).Msg("Rebooting")
	code, err := installer.NewHost(a.logger, 0).Run(ctx, argv)
	if err != nil {
		return fmt.Errorf("reboot command failed: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("reboot command exited with status %d", code)
	}
	return nil
}
