// Package observability provides monitoring and debugging capabilities for
// the dotbot server and local agent through metrics, structured logging,
// distributed tracing, and a task event timeline.
//
// # Overview
//
// The package implements four concerns:
//
//  1. Metrics - Prometheus counters, gauges, and histograms
//  2. Logging - structured slog output with secret redaction
//  3. Tracing - OpenTelemetry spans exported over OTLP
//  4. Events - an in-memory timeline of what each task did
//
// # Metrics
//
// Metrics track envelope flow on the device channel, LLM request latency and
// token usage, tool execution, pipeline stage durations, credential proxy
// outcomes, and connected device counts. All metrics register with the
// default Prometheus registry and surface at /metrics.
//
//	metrics := observability.NewMetrics()
//	metrics.EnvelopeReceived("prompt")
//	metrics.RecordToolExecution("shell.run", "success", elapsed.Seconds())
//
// # Logging
//
// Logging is built on slog with correlation ids pulled from context and
// mandatory redaction: provider keys, device secrets, invite tokens, and
// encrypted credential blobs never reach a handler in the clear.
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	ctx = observability.AddTaskID(ctx, taskID)
//	logger.Info(ctx, "agent spawned", "topic", topic)
//
// # Tracing
//
// Spans cover pipeline stages, LLM calls, tool executions, and device store
// queries. With no OTLP endpoint configured the tracer is a no-op.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "dotbot-server",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
// # Events
//
// The EventRecorder keeps a capped in-memory timeline per task and fans each
// event out to subscribers; the gateway uses a subscription to stream
// run-log entries to the owning device.
package observability
