package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestTelemetry(t *testing.T) *Telemetry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "winsync.log")
	cfg.Logging.Format = "json"
	cfg.Metrics.TextfilePath = filepath.Join(t.TempDir(), "winsync.prom")

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log level")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for otlp without endpoint")
	}
}

func TestEventPublisherOrderAndFilter(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type+":"+e.PackageID)
	}, FilterByRunID("run-1"))

	_ = ep.PublishRunStarted("run-1")
	_ = ep.PublishPackage(EventTypePackageStarted, "run-1", "a", "install", "", "a")
	_ = ep.PublishPackage(EventTypePackageStarted, "run-2", "x", "install", "", "x")
	_ = ep.PublishPackage(EventTypePackageApplied, "run-1", "a", "install", "persist", "a applied")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	want := []string{"run.started:", "package.started:a", "package.applied:a"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("delivered %v, want %v", got, want)
	}

	if err := ep.PublishRunStarted("run-3"); err == nil {
		t.Error("publishing after shutdown should fail")
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	if err := ep.PublishRunStarted("r"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if called {
		t.Error("disabled publisher must not deliver")
	}
}

func TestRunLifecycleWritesTextfile(t *testing.T) {
	tel := newTestTelemetry(t)

	var mu sync.Mutex
	var types []string
	tel.Events.Subscribe(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	}, FilterByType(EventTypeRunStarted, EventTypePackageApplied, EventTypePackageFailed, EventTypeRunFailed))

	ctx := tel.WithContext(context.Background())
	ctx = WithRunContext(ctx, "run-1")

	pctx := WithPackageContext(ctx, "run-1", "firefox", "install")
	MarkPhase(pctx, "download")
	EndPackageContext(pctx, "applied", "persist", nil)

	pctx = WithPackageContext(ctx, "run-1", "office", "upgrade")
	EndPackageContext(pctx, "failed", "act", errors.New("exit status 1603"))

	EndRunContext(ctx, "run-1", true, errors.New("exit status 1603"))

	data, err := os.ReadFile(tel.Config.Metrics.TextfilePath)
	if err != nil {
		t.Fatalf("textfile not written: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		`winsync_runs_total{status="failed"} 1`,
		`winsync_package_actions_total{method="install",outcome="applied"} 1`,
		`winsync_reboot_required 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("textfile missing %q", want)
		}
	}

	if err := tel.Events.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{EventTypeRunStarted, EventTypePackageApplied, EventTypePackageFailed, EventTypeRunFailed}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestHelpersWithoutTelemetry(t *testing.T) {
	ctx := context.Background()
	if got := WithRunContext(ctx, "r"); got != ctx {
		t.Error("WithRunContext should return ctx unchanged")
	}
	pctx := WithPackageContext(ctx, "r", "p", "install")
	MarkPhase(pctx, "check")
	EndPackageContext(pctx, "applied", "persist", nil)
	EndRunContext(ctx, "r", false, nil)
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordRunCompleted("success", time.Second, false)
	m.RecordPackage("install", "applied", time.Second)
	m.RecordRepositoryRequest("metadata", nil)
	m.RecordError("ACTION_FAILED")
	m.SetQueueDepth(3)
	if err := m.WriteTextfile(); err != nil {
		t.Errorf("WriteTextfile() error = %v", err)
	}
	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug").String() != "debug" {
		t.Error("debug not parsed")
	}
	if ParseLevel("bogus").String() != "info" {
		t.Error("unknown levels should default to info")
	}
}
