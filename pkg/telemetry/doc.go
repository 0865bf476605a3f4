// Package telemetry provides observability instrumentation for g8r.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics behind a single Telemetry bundle.
//
// # Usage
//
// Initialize telemetry at application startup:
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
//	tel.StartMetricsServer()
//
// # Logging
//
// Components take a zerolog.Logger scoped with a component field:
//
//	logger := tel.Logger.NewComponentLogger("reconciler")
//	logger.Info().Str("stack", name).Msg("Stack synced")
//
// # Tracing
//
// Each reconciliation gets a span, and each (duty, roster) execution a child span:
//
//	ctx, span := tel.Tracer.StartReconciliationSpan(ctx, rec.ID, "stack", "web")
//	defer span.End()
//
// # Metrics
//
// Metrics are exposed on MetricsConfig.ListenAddress under MetricsConfig.Path.
// A nil *Metrics and a nil *Tracer are valid and record nothing, so library
// code can be used without telemetry wired in.
package telemetry
