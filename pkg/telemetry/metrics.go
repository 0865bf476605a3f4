package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for g8r.
// A nil *Metrics, or one built with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	// Reconciliation metrics
	reconciliations       *prometheus.CounterVec
	reconciliationLatency *prometheus.HistogramVec
	activeReconciliations prometheus.Gauge

	// Execution metrics
	executions       *prometheus.CounterVec
	executionLatency *prometheus.HistogramVec
	lockContentions  prometheus.Counter

	// Handler metrics
	handlerCalls    *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	handlerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Ingestion metrics
	stackSyncs    *prometheus.CounterVec
	queueMessages *prometheus.CounterVec
	dutiesByPhase *prometheus.GaugeVec

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

		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Total number of completed reconciliations",
			},
			[]string{"source_type", "trigger", "status"},
		),
		reconciliationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconciliation_duration_seconds",
				Help:      "Duration of reconciliations in seconds",
				Buckets:   buckets,
			},
			[]string{"source_type"},
		),
		activeReconciliations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_reconciliations",
				Help:      "Current number of running reconciliations",
			},
		),

		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of duty executions",
			},
			[]string{"operation", "status", "reason"},
		),
		executionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of duty executions in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		lockContentions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contentions_total",
				Help:      "Executions skipped because the pair was already locked",
			},
		),

		handlerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_calls_total",
				Help:      "Total number of handler invocations",
			},
			[]string{"handler", "operation"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_call_duration_seconds",
				Help:      "Duration of handler invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"handler", "operation"},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_errors_total",
				Help:      "Total number of failed handler invocations",
			},
			[]string{"handler", "operation"},
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

		stackSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stack_syncs_total",
				Help:      "Total number of stack sync attempts",
			},
			[]string{"stack", "result"},
		),
		queueMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_messages_total",
				Help:      "Total number of queue messages processed",
			},
			[]string{"queue", "result"},
		),
		dutiesByPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "duties",
				Help:      "Current number of duties by aggregated phase",
			},
			[]string{"phase"},
		),
	}

	registry.MustRegister(
		m.reconciliations,
		m.reconciliationLatency,
		m.activeReconciliations,
		m.executions,
		m.executionLatency,
		m.lockContentions,
		m.handlerCalls,
		m.handlerDuration,
		m.handlerErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.stackSyncs,
		m.queueMessages,
		m.dutiesByPhase,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Reconciliation Metrics

// RecordReconciliationStarted marks a reconciliation as running.
func (m *Metrics) RecordReconciliationStarted() {
	if !m.enabled() {
		return
	}
	m.activeReconciliations.Inc()
}

// RecordReconciliation records a completed reconciliation.
func (m *Metrics) RecordReconciliation(sourceType, trigger, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.reconciliations.WithLabelValues(sourceType, trigger, status).Inc()
	m.reconciliationLatency.WithLabelValues(sourceType).Observe(duration.Seconds())
	m.activeReconciliations.Dec()
}

// Execution Metrics

// RecordExecution records a completed duty execution.
func (m *Metrics) RecordExecution(operation, status, reason string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.executions.WithLabelValues(operation, status, reason).Inc()
	m.executionLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLockContention counts an execution skipped on a held pair lock.
func (m *Metrics) RecordLockContention() {
	if !m.enabled() {
		return
	}
	m.lockContentions.Inc()
}

// Handler Metrics

// RecordHandlerCall records one handler invocation and whether it failed.
func (m *Metrics) RecordHandlerCall(handler, operation string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.handlerCalls.WithLabelValues(handler, operation).Inc()
	m.handlerDuration.WithLabelValues(handler, operation).Observe(duration.Seconds())
	if err != nil {
		m.handlerErrors.WithLabelValues(handler, operation).Inc()
	}
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Ingestion Metrics

// RecordStackSync records a stack sync attempt with its result (synced, unchanged, error).
func (m *Metrics) RecordStackSync(stack, result string) {
	if !m.enabled() {
		return
	}
	m.stackSyncs.WithLabelValues(stack, result).Inc()
}

// RecordQueueMessage records a processed queue message with its result.
func (m *Metrics) RecordQueueMessage(queue, result string) {
	if !m.enabled() {
		return
	}
	m.queueMessages.WithLabelValues(queue, result).Inc()
}

// SetDutyCount sets the number of duties in the given phase.
func (m *Metrics) SetDutyCount(phase string, count float64) {
	if !m.enabled() {
		return
	}
	m.dutiesByPhase.WithLabelValues(phase).Set(count)
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
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics. It returns nil
// when metrics are disabled. Errors from the listener are sent to errCh.
func (m *Metrics) StartMetricsServer(errCh chan<- error) *http.Server {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if errCh != nil {
				errCh <- err
			}
		}
	}()

	return server
}
