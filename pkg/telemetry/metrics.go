package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the agent. A disabled instance
// is a no-op; every Record method tolerates missing collectors.
type Metrics struct {
	config MetricsConfig

	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	packageActions  *prometheus.CounterVec
	packageDuration *prometheus.HistogramVec

	repositoryRequests *prometheus.CounterVec

	errorsByCode *prometheus.CounterVec

	queueDepth     prometheus.Gauge
	rebootRequired prometheus.Gauge
	lastRunTime    prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	registry := prometheus.NewRegistry()
	buckets := []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900, 1800}

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_total",
			Help:      "Total number of agent runs by final status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Duration of agent runs in seconds",
			Buckets:   buckets,
		}, []string{"status"}),
		packageActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "package_actions_total",
			Help:      "Packages processed by method and outcome",
		}, []string{"method", "outcome"}),
		packageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "package_action_duration_seconds",
			Help:      "Time spent processing one package",
			Buckets:   buckets,
		}, []string{"method"}),
		repositoryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "repository_requests_total",
			Help:      "Repository requests by operation and status",
		}, []string{"operation", "status"}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Run-fatal errors by code",
		}, []string{"code"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "queue_depth",
			Help:      "Packages remaining in the install queue",
		}),
		rebootRequired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "reboot_required",
			Help:      "1 when the last run requested a reboot",
		}),
		lastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}

	registry.MustRegister(
		m.runs, m.runDuration,
		m.packageActions, m.packageDuration,
		m.repositoryRequests, m.errorsByCode,
		m.queueDepth, m.rebootRequired, m.lastRunTime,
	)

	return m, nil
}

// RecordRunCompleted records a finished run.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration, rebootRequired bool) {
	if m.runs == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	if rebootRequired {
		m.rebootRequired.Set(1)
	} else {
		m.rebootRequired.Set(0)
	}
	m.lastRunTime.SetToCurrentTime()
}

// RecordPackage records one processed package.
func (m *Metrics) RecordPackage(method, outcome string, duration time.Duration) {
	if m.packageActions == nil {
		return
	}
	m.packageActions.WithLabelValues(method, outcome).Inc()
	m.packageDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRepositoryRequest records a repository call.
func (m *Metrics) RecordRepositoryRequest(operation string, err error) {
	if m.repositoryRequests == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.repositoryRequests.WithLabelValues(operation, status).Inc()
}

// RecordError records a run-fatal error by code.
func (m *Metrics) RecordError(code string) {
	if m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// SetQueueDepth sets the number of packages still queued.
func (m *Metrics) SetQueueDepth(n int) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the registry to the configured textfile path.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil || m.config.TextfilePath == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.config.TextfilePath, m.registry)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the registry on the configured address. It is
// a no-op when metrics are disabled or no address is set.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
