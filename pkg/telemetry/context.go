package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry combines logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes events and spans and stops the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
	)
}

type runStateKey struct{}

type runState struct {
	span  trace.Span
	timer *Timer
}

// WithRunContext starts the run span, tags the logger with the run id and
// publishes run.started. Without telemetry in ctx it returns ctx unchanged.
func WithRunContext(ctx context.Context, runID string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID)
	spanCtx = tel.Logger.WithRunID(runID).WithContext(spanCtx)
	_ = tel.Events.PublishRunStarted(runID)

	return context.WithValue(spanCtx, runStateKey{}, &runState{span: span, timer: NewTimer()})
}

// EndRunContext completes the run span and records run metrics and events.
func EndRunContext(ctx context.Context, runID string, rebootRequired bool, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if st, ok := ctx.Value(runStateKey{}).(*runState); ok {
		duration = st.timer.Duration()
		if err != nil {
			RecordError(st.span, err)
		} else {
			RecordSuccess(st.span)
		}
		st.span.End()
	}

	status := "success"
	if err != nil {
		status = "failed"
		_ = tel.Events.PublishRunFailed(runID, err)
	} else {
		_ = tel.Events.PublishRunCompleted(runID, duration, rebootRequired)
	}
	tel.Metrics.RecordRunCompleted(status, duration, rebootRequired)

	if werr := tel.Metrics.WriteTextfile(); werr != nil {
		tel.Logger.WithError(werr).Warn("Failed to write metrics textfile")
	}
}

type packageStateKey struct{}

type packageState struct {
	span      trace.Span
	timer     *Timer
	runID     string
	packageID string
	method    string
}

// WithPackageContext starts the span for one package and tags the logger.
func WithPackageContext(ctx context.Context, runID, packageID, method string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartPackageSpan(ctx, packageID, method)
	logger := FromContext(ctx).WithPackage(packageID, method)
	spanCtx = logger.WithContext(spanCtx)
	_ = tel.Events.PublishPackage(EventTypePackageStarted, runID, packageID, method, "",
		fmt.Sprintf("Processing %s (%s)", packageID, method))

	return context.WithValue(spanCtx, packageStateKey{}, &packageState{
		span:      span,
		timer:     NewTimer(),
		runID:     runID,
		packageID: packageID,
		method:    method,
	})
}

// MarkPhase records entry into a processing phase on the package span.
func MarkPhase(ctx context.Context, phase string) {
	if st, ok := ctx.Value(packageStateKey{}).(*packageState); ok {
		AddPhaseEvent(st.span, phase)
	}
}

// EndPackageContext completes the package span and records the outcome.
func EndPackageContext(ctx context.Context, outcome, phase string, err error) {
	tel := FromTelemetryContext(ctx)
	st, ok := ctx.Value(packageStateKey{}).(*packageState)
	if tel == nil || !ok {
		return
	}

	eventType := EventTypePackageApplied
	message := fmt.Sprintf("%s %s", st.packageID, outcome)
	switch {
	case err != nil:
		eventType = EventTypePackageFailed
		message = err.Error()
		RecordError(st.span, err)
	case outcome == "skipped":
		eventType = EventTypePackageSkipped
		RecordSuccess(st.span)
	default:
		RecordSuccess(st.span)
	}
	st.span.End()

	tel.Metrics.RecordPackage(st.method, outcome, st.timer.Duration())
	_ = tel.Events.PublishPackage(eventType, st.runID, st.packageID, st.method, phase, message)
}
