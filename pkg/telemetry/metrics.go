package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// FindObj outcomes.
const (
	LookupHit        = "hit"
	LookupTombstone  = "tombstone"
	LookupDiscovered = "discovered"
	LookupNotFound   = "not_found"
	LookupInvalid    = "invalid"
	LookupNull       = "null"
)

// Metrics provides Prometheus metrics for cloudferry. A nil *Metrics and a
// disabled one both record nothing.
type Metrics struct {
	config MetricsConfig

	// Discovery metrics
	objectsDiscovered *prometheus.CounterVec
	objectsInvalid    *prometheus.CounterVec
	lookups           *prometheus.CounterVec

	// Cloud API metrics
	cloudCalls    *prometheus.CounterVec
	cloudDuration *prometheus.HistogramVec
	cloudErrors   *prometheus.CounterVec
	retries       *prometheus.CounterVec

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Flow metrics
	flowsCompleted *prometheus.CounterVec
	flowDuration   *prometheus.HistogramVec
	destructors    *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		objectsDiscovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_discovered_total",
				Help:      "Total number of objects discovered and stored",
			},
			[]string{"cloud", "type"},
		),
		objectsInvalid: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_invalid_total",
				Help:      "Total number of cloud resources skipped because they failed validation",
			},
			[]string{"cloud", "type"},
		),
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "object_lookups_total",
				Help:      "Total number of object lookups by outcome",
			},
			[]string{"type", "outcome"},
		),

		cloudCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_calls_total",
				Help:      "Total number of cloud API calls",
			},
			[]string{"cloud", "operation"},
		),
		cloudDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cloud_call_duration_seconds",
				Help:      "Duration of cloud API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"cloud", "operation"},
		),
		cloudErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_errors_total",
				Help:      "Total number of failed cloud API calls",
			},
			[]string{"cloud", "operation"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried attempts",
			},
			[]string{"operation"},
		),

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of migration runs started",
			},
			[]string{"migration"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of migration runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of migration runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active migration runs",
			},
		),

		flowsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flows_completed_total",
				Help:      "Total number of flows finished by status",
			},
			[]string{"status"},
		),
		flowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flow_duration_seconds",
				Help:      "Duration of flow execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		destructors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "destructors_executed_total",
				Help:      "Total number of rollback destructors executed",
			},
			[]string{"kind", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.objectsDiscovered,
		m.objectsInvalid,
		m.lookups,
		m.cloudCalls,
		m.cloudDuration,
		m.cloudErrors,
		m.retries,
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.flowsCompleted,
		m.flowDuration,
		m.destructors,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Discovery Metrics

// RecordObjectDiscovered counts an object stored by discovery.
func (m *Metrics) RecordObjectDiscovered(cloud, typ string) {
	if m == nil || m.objectsDiscovered == nil {
		return
	}
	m.objectsDiscovered.WithLabelValues(cloud, typ).Inc()
}

// RecordObjectInvalid counts a cloud resource rejected by validation.
func (m *Metrics) RecordObjectInvalid(cloud, typ string) {
	if m == nil || m.objectsInvalid == nil {
		return
	}
	m.objectsInvalid.WithLabelValues(cloud, typ).Inc()
}

// RecordLookup counts an object lookup. outcome is one of the Lookup constants.
func (m *Metrics) RecordLookup(typ, outcome string) {
	if m == nil || m.lookups == nil {
		return
	}
	m.lookups.WithLabelValues(typ, outcome).Inc()
}

// Cloud Metrics

// RecordCloudCall records a cloud API call with its duration and outcome.
func (m *Metrics) RecordCloudCall(cloud, operation string, duration time.Duration, err error) {
	if m == nil || m.cloudCalls == nil {
		return
	}
	m.cloudCalls.WithLabelValues(cloud, operation).Inc()
	m.cloudDuration.WithLabelValues(cloud, operation).Observe(duration.Seconds())
	if err != nil {
		m.cloudErrors.WithLabelValues(cloud, operation).Inc()
	}
}

// RecordRetry counts a retried attempt of operation.
func (m *Metrics) RecordRetry(operation string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(migration string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(migration).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Flow Metrics

// RecordFlowCompleted records a finished flow.
func (m *Metrics) RecordFlowCompleted(status string, duration time.Duration) {
	if m == nil || m.flowsCompleted == nil {
		return
	}
	m.flowsCompleted.WithLabelValues(status).Inc()
	m.flowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDestructor records an executed destructor.
func (m *Metrics) RecordDestructor(kind string, err error) {
	if m == nil || m.destructors == nil {
		return
	}
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.destructors.WithLabelValues(kind, status).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors
// are logged.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if m == nil || !m.config.Enabled {
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

	srv := m.server
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", srv.Addr).Msg("Metrics server failed")
		}
	}()

	return nil
}

// StopMetricsServer shuts the metrics server down if it was started.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
