package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/winsync/winsync/pkg/telemetry"
)

// OrchestratorConfig wires the collaborators of a run.
type OrchestratorConfig struct {
	Repository Repository

	// Loader loads package metadata without expanding dependencies.
	Loader PackageLoader

	Resolver InstallerResolver
	Store    StateStore
	Selector ProfileSelector

	// Policy, when set, must approve the plan before any action runs.
	Policy PlanPolicy

	// Recorder, when set, receives run history.
	Recorder RunRecorder

	SpoolDir            string
	Gate                *DownloadGate
	DownloadConcurrency int
	Logger              zerolog.Logger
}

// Orchestrator runs the resolve, reconcile, and process pipeline.
type Orchestrator struct {
	cfg    OrchestratorConfig
	logger zerolog.Logger
}

// NewOrchestrator validates the configuration and creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	switch {
	case cfg.Repository == nil:
		return nil, fmt.Errorf("repository is required")
	case cfg.Loader == nil:
		return nil, fmt.Errorf("package loader is required")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("installer resolver is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("state store is required")
	case cfg.Selector == nil:
		return nil, fmt.Errorf("profile selector is required")
	case cfg.SpoolDir == "":
		return nil, fmt.Errorf("spool directory is required")
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Plan resolves and reconciles without processing anything.
func (o *Orchestrator) Plan(ctx context.Context) (plan *Plan, err error) {
	if err := o.cfg.Repository.StartSession(ctx); err != nil {
		return nil, asRepositoryError(err, "", PhaseSession)
	}
	defer func() {
		err = o.endSession(ctx, err)
	}()

	record, err := o.loadRecord(ctx)
	if err != nil {
		return nil, err
	}
	return o.plan(ctx, uuid.New().String(), record)
}

// Run executes a full run. The installed record is saved on every exit
// path after it was loaded, and the repository session is always ended
// once started. The returned result is never nil.
func (o *Orchestrator) Run(ctx context.Context) (result *RunResult, err error) {
	runID := uuid.New().String()
	result = &RunResult{RunID: runID, StartedAt: time.Now()}
	logger := o.logger.With().Str("run_id", runID).Logger()

	ctx = telemetry.WithRunContext(ctx, runID)
	if o.cfg.Recorder != nil {
		if rerr := o.cfg.Recorder.BeginRun(ctx, runID, result.StartedAt); rerr != nil {
			logger.Warn().Err(rerr).Msg("Failed to record run start")
		}
	}
	defer func() {
		result.FinishedAt = time.Now()
		if err != nil {
			if m := metricsFrom(ctx); m != nil {
				m.RecordError(ErrorCode(err))
			}
			logger.Error().Err(err).Msg("Run failed")
		} else {
			logger.Info().
				Bool("reboot_required", result.RebootRequired).
				Dur("duration", result.FinishedAt.Sub(result.StartedAt)).
				Msg("Run completed")
		}
		telemetry.EndRunContext(ctx, runID, result.RebootRequired, err)
		if o.cfg.Recorder != nil {
			if rerr := o.cfg.Recorder.FinishRun(context.WithoutCancel(ctx), result, err); rerr != nil {
				logger.Warn().Err(rerr).Msg("Failed to record run result")
			}
		}
	}()

	logger.Info().Msg("Starting run")
	if err := o.cfg.Repository.StartSession(ctx); err != nil {
		return result, asRepositoryError(err, "", PhaseSession)
	}
	defer func() {
		err = o.endSession(ctx, err)
	}()

	record, err := o.loadRecord(ctx)
	if err != nil {
		return result, err
	}
	defer func() {
		if serr := o.cfg.Store.Save(context.WithoutCancel(ctx), record); serr != nil {
			logger.Error().Err(serr).Msg("Failed to save installed record")
			if err == nil {
				err = NewPermanentError("failed to save installed record", serr).
					WithCode(ErrCodeState).
					WithOperation(PhaseState)
			}
			return
		}
		logger.Debug().Int("entries", record.Len()).Msg("Installed record saved")
	}()

	plan, err := o.plan(ctx, runID, record)
	if err != nil {
		return result, err
	}
	result.Summary = plan.Summary

	proc := NewProcessor(ProcessorConfig{
		Repository:          o.cfg.Repository,
		Resolver:            o.cfg.Resolver,
		Record:              record,
		SpoolDir:            o.cfg.SpoolDir,
		Gate:                o.cfg.Gate,
		DownloadConcurrency: o.cfg.DownloadConcurrency,
		RunID:               runID,
		Logger:              logger,
	})
	err = proc.Process(ctx, NewInstallQueue(plan.Set))
	result.Outcomes = proc.Outcomes()
	result.RebootRequired = proc.RebootRequired()
	return result, err
}

func (o *Orchestrator) endSession(ctx context.Context, runErr error) error {
	endErr := o.cfg.Repository.EndSession(context.WithoutCancel(ctx))
	if endErr == nil {
		return runErr
	}
	o.logger.Warn().Err(endErr).Msg("Failed to end repository session")
	if runErr != nil {
		return runErr
	}
	return asRepositoryError(endErr, "", PhaseSession)
}

func (o *Orchestrator) loadRecord(ctx context.Context) (*InstalledRecord, error) {
	record, err := o.cfg.Store.Load(ctx)
	if err != nil {
		return nil, NewPermanentError("failed to load installed record", err).
			WithCode(ErrCodeState).
			WithOperation(PhaseState)
	}
	return record, nil
}

// plan selects, expands, reconciles, orders, and checks policy.
func (o *Orchestrator) plan(ctx context.Context, runID string, record *InstalledRecord) (*Plan, error) {
	logger := o.logger.With().Str("run_id", runID).Logger()

	desired, err := o.cfg.Selector.Select(ctx)
	if err != nil {
		var engErr *EngineError
		if errors.As(err, &engErr) {
			return nil, err
		}
		return nil, NewPermanentError("profile selection failed", err).WithOperation(PhaseProfile)
	}
	logger.Info().Strs("desired", desired).Msg("Profiles selected")

	builder := NewGraphBuilder(o.cfg.Loader, logger)
	if err := builder.Add(ctx, desired...); err != nil {
		return nil, err
	}
	set := builder.Set()

	summary, err := NewReconciler(o.cfg.Loader, logger).Reconcile(ctx, set, record)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		RunID:   runID,
		Desired: desired,
		Summary: summary,
		Set:     set,
	}
	for _, p := range NewInstallQueue(set).Snapshot() {
		plan.Entries = append(plan.Entries, PlanEntry{
			ID:       p.ID,
			Name:     p.Name,
			Version:  p.Version,
			Method:   p.Method,
			Priority: p.Priority,
			IsMeta:   p.IsMeta,
			Reboot:   p.RequiresReboot,
		})
	}

	logger.Info().
		Int("install", summary.Install).
		Int("upgrade", summary.Upgrade).
		Int("remove", summary.Remove).
		Int("satisfied", summary.Satisfied).
		Msg("Plan ready")

	if o.cfg.Policy != nil {
		if err := o.cfg.Policy.CheckPlan(ctx, plan); err != nil {
			if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
				_ = tel.Events.Publish(telemetry.Event{
					Type:    telemetry.EventTypePolicyDenied,
					RunID:   runID,
					Message: err.Error(),
					Level:   telemetry.EventLevelError,
				})
			}
			var engErr *EngineError
			if errors.As(err, &engErr) {
				return nil, err
			}
			return nil, NewPermanentError("plan denied by policy", err).
				WithCode(ErrCodePolicyDenied).
				WithOperation(PhasePolicy)
		}
	}

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		_ = tel.Events.Publish(telemetry.Event{
			Type:    telemetry.EventTypePlanReady,
			RunID:   runID,
			Message: fmt.Sprintf("%d action(s) planned", summary.Total()),
			Data: map[string]interface{}{
				"install": summary.Install,
				"upgrade": summary.Upgrade,
				"remove":  summary.Remove,
			},
		})
	}
	return plan, nil
}
