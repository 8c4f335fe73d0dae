package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/winsync/winsync/pkg/telemetry"
)

// DefaultDownloadConcurrency bounds parallel archive file downloads within
// one package.
const DefaultDownloadConcurrency = 4

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	Repository Repository
	Resolver   InstallerResolver

	// Record is the installed-state record, mutated as packages complete.
	Record *InstalledRecord

	// SpoolDir holds one staging directory per package while it is processed.
	SpoolDir string

	// Gate, when set, is signalled around every download.
	Gate *DownloadGate

	// DownloadConcurrency bounds parallel file downloads for one package.
	DownloadConcurrency int

	RunID  string
	Logger zerolog.Logger
}

// Processor drives queued packages through the installer state machine.
// Packages are processed strictly one after another.
type Processor struct {
	repo        Repository
	resolver    InstallerResolver
	record      *InstalledRecord
	spoolDir    string
	gate        *DownloadGate
	concurrency int
	runID       string
	logger      zerolog.Logger

	rebootRequired bool
	outcomes       []Outcome
}

// NewProcessor creates a processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	concurrency := cfg.DownloadConcurrency
	if concurrency <= 0 {
		concurrency = DefaultDownloadConcurrency
	}
	record := cfg.Record
	if record == nil {
		record = NewInstalledRecord()
	}
	return &Processor{
		repo:        cfg.Repository,
		resolver:    cfg.Resolver,
		record:      record,
		spoolDir:    cfg.SpoolDir,
		gate:        cfg.Gate,
		concurrency: concurrency,
		runID:       cfg.RunID,
		logger:      cfg.Logger,
	}
}

// RebootRequired reports whether any processed package requested a reboot.
func (p *Processor) RebootRequired() bool {
	return p.rebootRequired
}

// Outcomes returns the per-package results in processing order.
func (p *Processor) Outcomes() []Outcome {
	return p.outcomes
}

// Record returns the installed-state record the processor maintains.
func (p *Processor) Record() *InstalledRecord {
	return p.record
}

// Process drains the queue. The first error stops processing; packages
// completed before it remain in the record.
func (p *Processor) Process(ctx context.Context, q *InstallQueue) error {
	metrics := metricsFrom(ctx)

	for !q.IsEmpty() {
		if err := ctx.Err(); err != nil {
			return NewPermanentError("run cancelled", err).WithOperation(PhaseSession)
		}

		pkg, _ := q.Dequeue()
		if metrics != nil {
			metrics.SetQueueDepth(q.Len())
		}

		if err := p.processPackage(ctx, pkg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) processPackage(ctx context.Context, pkg *Package) error {
	pctx := telemetry.WithPackageContext(ctx, p.runID, pkg.ID, pkg.Method.String())
	timer := telemetry.NewTimer()
	logger := p.logger.With().Str("package_id", pkg.ID).Str("method", pkg.Method.String()).Logger()

	logger.Info().Str("version", pkg.Version).Msg("Processing package")

	status, phase, err := p.run(pctx, pkg, logger)

	outcome := Outcome{
		PackageID: pkg.ID,
		Method:    pkg.Method,
		Status:    status,
		Duration:  timer.Duration(),
	}
	if err != nil {
		outcome.Status = OutcomeFailed
		outcome.Error = err.Error()
		logger.Error().Err(err).Str("phase", phase).Msg("Package failed")
	} else {
		logger.Info().Str("outcome", string(status)).Dur("duration", outcome.Duration).Msg("Package done")
	}
	p.outcomes = append(p.outcomes, outcome)
	telemetry.EndPackageContext(pctx, string(outcome.Status), phase, err)

	return err
}

// run executes the state machine and returns the outcome and the phase it
// ended in.
func (p *Processor) run(ctx context.Context, pkg *Package, logger zerolog.Logger) (OutcomeStatus, string, error) {
	// Meta packages have no installer. Only their removal touches the record.
	if pkg.IsMeta {
		if !pkg.Removal() {
			logger.Debug().Msg("Meta package has nothing to install")
			return OutcomeMeta, PhaseCheck, nil
		}
		telemetry.MarkPhase(ctx, PhasePersist)
		p.persist(pkg)
		logger.Debug().Msg("Meta package removed from record")
		return OutcomeMeta, PhasePersist, nil
	}

	filesDir := filepath.Join(p.spoolDir, pkg.ID)
	defer p.cleanup(filesDir, logger)

	telemetry.MarkPhase(ctx, PhaseFetchInstaller)
	script, err := p.repo.FetchInstallerScript(ctx, pkg.InstallerRef)
	if err != nil {
		return "", PhaseFetchInstaller, asRepositoryError(err, pkg.ID, PhaseFetchInstaller)
	}

	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return "", PhaseDownload, NewPermanentError("failed to create staging directory", err).
			WithCode(ErrCodeInternal).
			WithResource(pkg.ID).
			WithOperation(PhaseDownload)
	}

	telemetry.MarkPhase(ctx, PhaseResolveInstaller)
	inst, err := p.resolver.Resolve(ctx, script, InstallerEnv{Package: pkg, FilesDir: filesDir})
	if err != nil {
		var engErr *EngineError
		if errors.As(err, &engErr) {
			if engErr.Resource == "" {
				engErr.Resource = pkg.ID
			}
			return "", PhaseResolveInstaller, err
		}
		return "", PhaseResolveInstaller, NewInstallerNotFoundError(pkg.ID, pkg.InstallerRef, err)
	}
	defer func() {
		if cerr := inst.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn().Err(cerr).Msg("Failed to close installer")
		}
	}()

	if pkg.Method != MethodUpgrade {
		telemetry.MarkPhase(ctx, PhaseCheck)
		present, err := inst.Check(ctx)
		if err != nil {
			return "", PhaseCheck, NewActionFailedError(pkg.ID, pkg.Method, err).WithOperation(PhaseCheck)
		}
		if present != pkg.Removal() {
			logger.Info().Bool("installed", present).Msg("Package already in desired state, skipping")
			p.persist(pkg)
			return OutcomeSkipped, PhaseCheck, nil
		}
	}

	if !pkg.Removal() && len(pkg.Files) > 0 {
		telemetry.MarkPhase(ctx, PhaseDownload)
		if err := p.download(ctx, pkg, filesDir); err != nil {
			return "", PhaseDownload, err
		}
	}

	// Once the action starts it runs to completion.
	actCtx := context.WithoutCancel(ctx)

	telemetry.MarkPhase(ctx, PhaseAct)
	ok, err := act(actCtx, inst, pkg.Method)
	if err != nil || !ok {
		return "", PhaseAct, NewActionFailedError(pkg.ID, pkg.Method, err)
	}

	telemetry.MarkPhase(ctx, PhaseVerify)
	present, err := inst.Check(actCtx)
	if err != nil {
		return "", PhaseVerify, NewPermanentError("post-action check failed", err).
			WithCode(ErrCodePostActionVerification).
			WithResource(pkg.ID).
			WithOperation(PhaseVerify)
	}
	if expected := !pkg.Removal(); present != expected {
		return "", PhaseVerify, NewPostActionVerificationError(pkg.ID, pkg.Method, expected, present)
	}

	telemetry.MarkPhase(ctx, PhasePersist)
	p.persist(pkg)
	if pkg.RequiresReboot {
		p.rebootRequired = true
		logger.Info().Msg("Package requires a reboot")
	}
	return OutcomeApplied, PhasePersist, nil
}

func act(ctx context.Context, inst Installer, method Method) (bool, error) {
	switch method {
	case MethodInstall:
		return inst.Install(ctx)
	case MethodUpgrade:
		return inst.Upgrade(ctx)
	case MethodRemove:
		return inst.Remove(ctx)
	default:
		return false, fmt.Errorf("unknown method %d", int(method))
	}
}

// persist writes the package's outcome to the installed record.
func (p *Processor) persist(pkg *Package) {
	if pkg.Removal() {
		p.record.Delete(pkg.ID)
		return
	}
	p.record.Upsert(pkg.Entry())
}

// download fetches the package's files into dir, bracketed by the gate.
func (p *Processor) download(ctx context.Context, pkg *Package, dir string) error {
	if err := p.gate.notify(ctx, &DownloadSignal{
		Phase:     DownloadStarted,
		PackageID: pkg.ID,
		Files:     pkg.Files,
		Dir:       dir,
	}); err != nil {
		return NewPermanentError("download watcher did not acknowledge", err).
			WithResource(pkg.ID).
			WithOperation(PhaseDownload)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, file := range pkg.Files {
		g.Go(func() error {
			path, err := p.repo.FetchArchiveFile(gctx, pkg.ID, file, dir)
			if err != nil {
				return asRepositoryError(err, pkg.ID, PhaseDownload).WithDetail("file", file)
			}
			p.logger.Debug().Str("package_id", pkg.ID).Str("path", path).Msg("Downloaded archive file")
			return nil
		})
	}
	dlErr := g.Wait()

	if err := p.gate.notify(ctx, &DownloadSignal{
		Phase:     DownloadFinished,
		PackageID: pkg.ID,
		Files:     pkg.Files,
		Dir:       dir,
		Err:       dlErr,
	}); err != nil && dlErr == nil {
		return NewPermanentError("download watcher did not acknowledge", err).
			WithResource(pkg.ID).
			WithOperation(PhaseDownload)
	}
	return dlErr
}

func (p *Processor) cleanup(dir string, logger zerolog.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("Failed to remove staging directory")
	}
}

// asRepositoryError keeps engine errors and wraps everything else as a
// RepositoryError for the package and phase.
func asRepositoryError(err error, packageID, phase string) *EngineError {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		if engErr.Resource == "" {
			engErr.Resource = packageID
		}
		if engErr.Operation == "" {
			engErr.Operation = phase
		}
		return engErr
	}
	return NewRepositoryError(packageID, phase, err)
}

func metricsFrom(ctx context.Context) *telemetry.Metrics {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		return tel.Metrics
	}
	return nil
}
