// Package telemetry instruments winsync runs with structured logging
// (zerolog), tracing (OpenTelemetry), Prometheus metrics, and lifecycle
// events.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// The engine looks the instance up with FromTelemetryContext. Without one
// in the context every helper in this package is a no-op, so library code
// and tests need no setup.
//
// # Runs and packages
//
// A run is bracketed by WithRunContext and EndRunContext, each package by
// WithPackageContext and EndPackageContext. Between them MarkPhase adds a
// span event per processing phase:
//
//	ctx = telemetry.WithRunContext(ctx, runID)
//	pctx := telemetry.WithPackageContext(ctx, runID, "firefox", "install")
//	telemetry.MarkPhase(pctx, "download")
//	telemetry.EndPackageContext(pctx, "applied", "persist", nil)
//	telemetry.EndRunContext(ctx, runID, false, nil)
//
// # Metrics
//
// Agents that run from a scheduler have no long-lived process to scrape.
// Set MetricsConfig.TextfilePath to have the registry written after every
// run for the node exporter textfile collector; ListenAddress serves the
// same registry over HTTP in agent mode.
//
// # Events
//
// EventPublisher delivers events to subscribers in publish order. The run
// history store subscribes to persist package events next to each run.
package telemetry
