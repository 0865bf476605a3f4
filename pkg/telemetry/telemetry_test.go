package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "empty service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoggerComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	component := logger.NewComponentLogger("executor")
	component.Info().Str("duty", "web").Msg("Execution completed")

	out := buf.String()
	if !strings.Contains(out, `"component":"executor"`) {
		t.Fatalf("Expected component field, got %s", out)
	}
	if !strings.Contains(out, `"duty":"web"`) {
		t.Fatalf("Expected duty field, got %s", out)
	}
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	zl := logger.Zerolog()
	zl.Info().Msg("hidden")
	zl.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("Expected info to be filtered, got %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("Expected warn to be logged, got %s", out)
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)

	ctx := logger.WithContext(context.Background())
	zl := FromContext(ctx)
	zl.Info().Msg("from context")

	if !strings.Contains(buf.String(), "from context") {
		t.Fatalf("Expected message from context logger, got %q", buf.String())
	}

	// A bare context yields a disabled logger rather than panicking.
	nop := FromContext(context.Background())
	nop.Info().Msg("dropped")
}

func TestNilMetricsAndTracer(t *testing.T) {
	var m *Metrics
	m.RecordExecution("apply", "succeeded", "", time.Second)
	m.RecordHandlerCall("echo", "apply", time.Second, errors.New("boom"))
	m.RecordLockContention()
	m.RecordError("permanent", "VALIDATION_ERROR")
	m.RecordReconciliationStarted()
	m.RecordReconciliation("stack", "scheduled", "succeeded", time.Second)
	if server := m.StartMetricsServer(nil); server != nil {
		t.Fatalf("Expected no server from nil metrics")
	}

	var tr *Tracer
	ctx, span := tr.StartExecutionSpan(context.Background(), "web", "r1", "apply")
	if ctx == nil || span == nil {
		t.Fatalf("Expected usable context and span from nil tracer")
	}
	RecordError(span, errors.New("boom"))
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Expected nil shutdown error, got %v", err)
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	m.RecordExecution("apply", "failed", "VALIDATION_ERROR", 10*time.Millisecond)
	m.RecordLockContention()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "g8r_executions_total") {
		t.Fatalf("Expected executions counter in output, got %s", body)
	}
	if !strings.Contains(body, `reason="VALIDATION_ERROR"`) {
		t.Fatalf("Expected reason label in output")
	}
	if !strings.Contains(body, "g8r_lock_contentions_total 1") {
		t.Fatalf("Expected lock contention count of 1")
	}
}

func TestDisabledMetricsHandler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("Expected 404 from disabled metrics, got %d", rec.Code)
	}
}

func TestTracerSpans(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "g8r", "test", "test")
	if err != nil {
		t.Fatalf("Failed to create tracer: %v", err)
	}
	defer tr.Shutdown(context.Background())

	ctx, span := tr.StartReconciliationSpan(context.Background(), "rec-1", "stack", "web")
	_, child := tr.StartExecutionSpan(ctx, "web", "r1", "apply")
	RecordSuccess(child)
	child.End()
	span.End()
}
