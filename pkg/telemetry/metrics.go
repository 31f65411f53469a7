package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/installmgr/pkg/engine"
)

// Metrics provides Prometheus metrics for imctl. It implements
// engine.Observer and probe.Recorder. A disabled instance ignores all calls.
type Metrics struct {
	config MetricsConfig

	// Detection metrics
	detections    *prometheus.CounterVec
	probes        *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	// Plan metrics
	plansGenerated *prometheus.CounterVec
	planSteps      *prometheus.HistogramVec

	// Error metrics
	operationFailures *prometheus.CounterVec
	errorsByCode      *prometheus.CounterVec

	// Execution metrics
	stepsExecuted       *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	activeExecutions    prometheus.Gauge

	registry *prometheus.Registry
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

		detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detections_total",
				Help:      "Total number of installation detections by outcome",
			},
			[]string{"state", "topology"},
		),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of version probes by status",
			},
			[]string{"status"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Duration of version probes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		plansGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_generated_total",
				Help:      "Total number of plans generated",
			},
			[]string{"operation", "topology"},
		),
		planSteps: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_steps",
				Help:      "Number of steps in generated plans",
				Buckets:   prometheus.LinearBuckets(4, 4, 8),
			},
			[]string{"operation"},
		),

		operationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_failures_total",
				Help:      "Total number of rejected operations by error class",
			},
			[]string{"operation", "class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of plan steps executed",
			},
			[]string{"kind", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of plan step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		executionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_completed_total",
				Help:      "Total number of plan executions completed",
			},
			[]string{"operation", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of plan execution in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of executing plans",
			},
		),
	}

	registry.MustRegister(
		m.detections,
		m.probes,
		m.probeDuration,
		m.plansGenerated,
		m.planSteps,
		m.operationFailures,
		m.errorsByCode,
		m.stepsExecuted,
		m.stepDuration,
		m.executionsCompleted,
		m.executionDuration,
		m.activeExecutions,
	)

	return m, nil
}

// Detection Metrics

// InstallationDetected records a detection outcome.
func (m *Metrics) InstallationDetected(state engine.InstalledState) {
	if m.detections == nil {
		return
	}
	outcome := "installed"
	switch {
	case !state.IsInstalled():
		outcome = "not_installed"
	case !state.VersionKnown():
		outcome = "version_unknown"
	}
	m.detections.WithLabelValues(outcome, string(state.Topology())).Inc()
}

// ProbeCompleted records a version probe outcome.
func (m *Metrics) ProbeCompleted(status string, duration time.Duration) {
	if m.probes == nil {
		return
	}
	m.probes.WithLabelValues(status).Inc()
	m.probeDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Plan Metrics

// PlanGenerated records a generated plan.
func (m *Metrics) PlanGenerated(plan engine.Plan) {
	if m.plansGenerated == nil {
		return
	}
	m.plansGenerated.WithLabelValues(string(plan.Operation), string(plan.Topology)).Inc()
	m.planSteps.WithLabelValues(string(plan.Operation)).Observe(float64(len(plan.Steps)))
}

// OperationFailed records a rejected operation by error class and code.
func (m *Metrics) OperationFailed(op engine.Operation, err error) {
	if m.operationFailures == nil {
		return
	}
	class := string(engine.ErrorClassOf(err))
	if class == "" {
		class = "unclassified"
	}
	m.operationFailures.WithLabelValues(string(op), class).Inc()
	if code := engine.ErrorCode(err); code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// Execution Metrics

// RecordStepExecution records the execution of a plan step.
func (m *Metrics) RecordStepExecution(kind, status string, duration time.Duration) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(kind, status).Inc()
	m.stepDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordExecutionStarted marks a plan execution as active.
func (m *Metrics) RecordExecutionStarted() {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Inc()
}

// RecordExecutionCompleted records a finished plan execution.
func (m *Metrics) RecordExecutionCompleted(operation, status string, duration time.Duration) {
	if m.executionsCompleted == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(operation, status).Inc()
	m.executionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.activeExecutions.Dec()
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

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// StartMetricsServer serves metrics until ctx is done. It returns once the
// listener is bound so callers can rely on the endpoint being reachable.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", listener.Addr().String()).Str("path", path).Msg("Metrics server started")
	return nil
}
