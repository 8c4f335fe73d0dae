package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/winsync/winsync/pkg/config"
	"github.com/winsync/winsync/pkg/engine"
	"github.com/winsync/winsync/pkg/installer"
	"github.com/winsync/winsync/pkg/policy"
	"github.com/winsync/winsync/pkg/profile"
	"github.com/winsync/winsync/pkg/repository"
	"github.com/winsync/winsync/pkg/stores"
	"github.com/winsync/winsync/pkg/telemetry"
)

// resolveConfigPath applies the --config, $WINSYNC_CONFIG, default order.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("WINSYNC_CONFIG"); p != "" {
		return p
	}
	return config.NewLayout(config.DefaultBaseDir()).ConfigFile()
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	path := resolveConfigPath()
	cfg, err := config.NewLoader().Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	cfg.Telemetry.ServiceVersion = agentVersion
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// app holds the collaborators of one command invocation.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	info   profile.SystemInfo

	store  engine.StateStore
	sqlite *stores.SQLiteStore

	repo     repository.Repository
	resolver *installer.Resolver
	policy   *policy.Engine
}

type appOptions struct {
	// repository opens the package repository.
	repository bool

	// installers creates the installer runtimes.
	installers bool

	// policy compiles built-in and configured policies.
	policy bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (a *app, err error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a = &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
		info:   profile.CollectSystemInfo(),
	}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := cfg.Layout().Ensure(); err != nil {
		return a, err
	}

	switch cfg.State.Backend {
	case config.BackendINI:
		a.store = stores.NewIniStore(cfg.StatePath())
	default:
		a.sqlite, err = stores.OpenSQLiteStore(ctx, cfg.StatePath())
		if err != nil {
			return a, fmt.Errorf("failed to open state store: %w", err)
		}
		a.store = a.sqlite
		tel.Events.Subscribe(a.sqlite.EventSubscriber(a.logger), nil)
	}

	if opts.repository {
		a.repo, err = repository.Open(cfg.RepositoryConfig(), a.logger)
		if err != nil {
			return a, fmt.Errorf("failed to open repository: %w", err)
		}
	}

	if opts.installers {
		a.resolver, err = installer.NewDefaultResolver(ctx, installer.Config{
			Host:             installer.NewHost(a.logger, cfg.Installer.CommandTimeout),
			MaxSteps:         cfg.Installer.MaxSteps,
			MemoryLimitPages: cfg.Installer.MemoryLimitPages,
		}, a.logger)
		if err != nil {
			return a, fmt.Errorf("failed to create installer runtimes: %w", err)
		}
	}

	if opts.policy {
		a.policy, err = policy.NewEngine(policy.Config{
			MaxRemovals:       cfg.Policy.MaxRemovals,
			ProtectedPackages: cfg.Policy.ProtectedPackages,
			Hostname:          a.info["hostname"],
		}, a.logger)
		if err != nil {
			return a, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if err := a.policy.LoadPaths(ctx, cfg.PolicyDirs()); err != nil {
			return a, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	return a, nil
}

// context attaches telemetry to ctx.
func (a *app) context(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

func (a *app) loader(skipFetch bool) *engine.MetadataLoader {
	return engine.NewMetadataLoader(engine.MetadataLoaderConfig{
		Repository: a.repo,
		CacheDir:   a.cfg.Layout().PkgInfo,
		SkipFetch:  skipFetch,
		Logger:     a.logger,
	})
}

func (a *app) orchestrator(gate *engine.DownloadGate) (*engine.Orchestrator, error) {
	cfg := engine.OrchestratorConfig{
		Repository:          a.repo,
		Loader:              a.loader(false),
		Resolver:            a.resolver,
		Store:               a.store,
		Selector:            profile.NewSelector(a.repo, a.info, a.logger),
		SpoolDir:            a.cfg.Layout().Spool,
		Gate:                gate,
		DownloadConcurrency: a.cfg.DownloadConcurrency,
		Logger:              a.logger,
	}
	if a.policy != nil {
		cfg.Policy = a.policy
	}
	if a.sqlite != nil {
		cfg.Recorder = a.sqlite
	}
	return engine.NewOrchestrator(cfg)
}

// pruneHistory applies the configured history limit.
func (a *app) pruneHistory(ctx context.Context) {
	if a.sqlite == nil || a.cfg.State.HistoryLimit <= 0 {
		return
	}
	pruned, err := a.sqlite.PruneRuns(ctx, a.cfg.State.HistoryLimit)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to prune run history")
		return
	}
	if pruned > 0 {
		a.logger.Debug().Int64("pruned", pruned).Msg("Pruned run history")
	}
}

// Close releases everything newApp opened. Errors are logged.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.policy != nil {
		errs = append(errs, a.policy.Loader().StopWatching())
	}
	if a.resolver != nil {
		errs = append(errs, a.resolver.Close(ctx))
	}
	// Shut telemetry down first so queued events still reach the store.
	errs = append(errs, a.tel.Shutdown(ctx))
	if a.sqlite != nil {
		errs = append(errs, a.sqlite.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Failed to release resources")
	}
}

// requireSQLite fails for commands that need run history.
func (a *app) requireSQLite() error {
	if a.sqlite == nil {
		return fmt.Errorf("this command needs the %q state backend (configured: %q)", config.BackendSQLite, a.cfg.State.Backend)
	}
	return nil
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
