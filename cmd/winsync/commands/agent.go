package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/winsync/winsync/pkg/config"
	"github.com/winsync/winsync/pkg/policy"
)

func newAgentCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run periodically and whenever the configuration or policies change",
		Long: `Run the pipeline at a fixed interval until interrupted. The configuration
file, its .env file and, with policy.watch set, the policy directories are
watched; a change reloads the configuration and starts a run.

A failed run is logged and retried at the next interval.`,
		Example: `  # Use agent.interval from the configuration
  winsync agent

  # Run every 15 minutes
  winsync agent --interval 15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if interval > 0 {
				cfg.Agent.Interval = interval
			}
			if cfg.Agent.Interval <= 0 {
				return fmt.Errorf("agent interval must be positive")
			}

			watched := []string{resolveConfigPath()}
			if cfg.Policy.Watch {
				watched = append(watched, cfg.PolicyDirs()...)
			}
			watcher, err := newChangeWatcher(watched, policy.DefaultReloadDelay, log.Logger)
			if err != nil {
				return err
			}
			defer watcher.Close()

			return runAgent(ctx, cfg, interval, watcher.Changes())
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "time between runs (default agent.interval)")
	return cmd
}

func runAgent(ctx context.Context, cfg *config.Config, interval time.Duration, changes <-chan string) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Agent stopped")
			return nil
		case <-timer.C:
			log.Debug().Msg("Interval elapsed")
		case name := <-changes:
			log.Info().Str("file", name).Msg("Change detected, reloading configuration")
			next, err := loadConfig(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Keeping previous configuration")
			} else {
				if interval > 0 {
					next.Agent.Interval = interval
				}
				cfg = next
			}
		}

		agentCycle(ctx, cfg)
		timer.Reset(cfg.Agent.Interval)
		log.Info().Time("next_run", time.Now().Add(cfg.Agent.Interval)).Msg("Waiting for next run")
	}
}

// agentCycle performs one run with freshly opened collaborators.
func agentCycle(ctx context.Context, cfg *config.Config) {
	a, err := newApp(ctx, cfg, appOptions{repository: true, installers: true, policy: true})
	if err != nil {
		log.Error().Err(err).Msg("Failed to prepare run")
		return
	}
	defer a.Close(context.WithoutCancel(ctx))

	result, err := a.run(a.context(ctx), io.Discard)
	if err != nil {
		return
	}
	if result.RebootRequired {
		log.Warn().Str("run_id", result.RunID).Msg("Reboot required")
	}
}

// changeWatcher reports debounced changes to a set of files and
// directories. Directories report changes to policy files only.
type changeWatcher struct {
	watcher *fsnotify.Watcher
	files   map[string]bool
	dirs    map[string]bool
	delay   time.Duration
	logger  zerolog.Logger

	changes chan string
	done    chan struct{}

	mu      sync.Mutex
	pending *time.Timer
	wg      sync.WaitGroup
}

func newChangeWatcher(paths []string, delay time.Duration, logger zerolog.Logger) (*changeWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	cw := &changeWatcher{
		watcher: w,
		files:   make(map[string]bool),
		dirs:    make(map[string]bool),
		delay:   delay,
		logger:  logger.With().Str("component", "agent-watcher").Logger(),
		changes: make(chan string, 1),
		done:    make(chan struct{}),
	}

	watchedDirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		var dir string
		if isDir(abs) {
			cw.dirs[abs] = true
			dir = abs
		} else {
			// Editors replace files, so watch the parent directory.
			cw.files[abs] = true
			cw.files[filepath.Join(filepath.Dir(abs), ".env")] = true
			dir = filepath.Dir(abs)
		}
		if watchedDirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			cw.logger.Warn().Err(err).Str("path", dir).Msg("Cannot watch directory")
			continue
		}
		watchedDirs[dir] = true
	}

	cw.wg.Add(1)
	go cw.loop()
	return cw, nil
}

// Changes delivers the name of a changed file after the debounce delay.
func (cw *changeWatcher) Changes() <-chan string {
	return cw.changes
}

func (cw *changeWatcher) relevant(name string) bool {
	if cw.files[name] {
		return true
	}
	if cw.dirs[filepath.Dir(name)] {
		ext := strings.ToLower(filepath.Ext(name))
		return ext == ".rego" || ext == ".json"
	}
	return false
}

func (cw *changeWatcher) loop() {
	defer cw.wg.Done()
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || !cw.relevant(name) {
				continue
			}
			cw.logger.Debug().Str("file", name).Str("op", event.Op.String()).Msg("File changed")
			cw.schedule(name)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

func (cw *changeWatcher) schedule(name string) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.pending != nil {
		cw.pending.Stop()
	}
	cw.pending = time.AfterFunc(cw.delay, func() {
		select {
		case cw.changes <- name:
		default:
			// A change is already pending.
		}
	})
}

// Close stops watching.
func (cw *changeWatcher) Close() error {
	close(cw.done)
	err := cw.watcher.Close()
	cw.wg.Wait()
	cw.mu.Lock()
	if cw.pending != nil {
		cw.pending.Stop()
	}
	cw.mu.Unlock()
	return err
}
