// Package observability provides the runtime's metrics, structured logging,
// and trace export.
//
// # Metrics
//
// Metrics use the Prometheus client and track run outcomes, turn counts,
// token consumption, tool execution, compactions, and journal write latency.
//
//	metrics := observability.NewMetrics()
//	metrics.ObserveRun("success", time.Since(start))
//	metrics.AddTokens("gpt-4o", promptTokens, completionTokens)
//
// # Logging
//
// Logging is built on slog with a redacting handler that strips API keys,
// bearer tokens, and password-like values from messages and attributes
// before they reach the output.
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	logger.Error("chat request failed",
//	    "error", err,
//	    "api_key", apiKey) // redacted
//
// # Tracing
//
// SetupTracing installs a global OTLP tracer provider; packages create
// spans through otel.Tracer as usual. With no collector endpoint the spans
// are no-ops.
//
//	shutdown, err := observability.SetupTracing(ctx, observability.TraceConfig{
//	    ServiceName: "loom",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(ctx)
package observability
