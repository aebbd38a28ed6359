// Package telemetry provides observability instrumentation for Terrane.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and event publishing into a
// unified system for monitoring and debugging Terrane runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("executor")
//	logger = logger.WithRunID("run-123").WithNode("mem_box.web")
//	logger.Info("Applying operation")
//	logger.WithError(err).Error("Operation failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run execution and performance:
//
//	ctx, span := tel.Tracer.Start(ctx, "plan.build")
//	defer span.End()
//
//	span.SetAttributes(
//	    attribute.String("node.addr", "mem_box.web"),
//	    attribute.String("operation.action", "create"),
//	)
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), stdout (development), none (testing)
//
// # Metrics
//
// Prometheus metrics track system behavior and performance:
//
//	tel.Metrics.RecordRunStarted("apply")
//	tel.Metrics.RecordRunCompleted("succeeded", duration)
//
//	tel.Metrics.RecordOperation("create", "succeeded", "mem_box", duration)
//	tel.Metrics.RecordProviderCall("mem", "create", duration)
//	tel.Metrics.RecordProvision("remote-exec", "succeeded", duration)
//	tel.Metrics.RecordError("transient", "PROVIDER_OPERATION")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.PublishRunStarted(runID, "apply")
//	tel.Events.PublishOperationApplied(runID, "mem_box.web", "create", duration)
//	tel.Events.PublishResourceTainted(runID, "mem_box.web", "provisioner failed")
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByNode
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Instrument an arbitrary operation
//	ic := telemetry.StartOperation(ctx, "plan.build",
//	    attribute.String("run.id", runID))
//	defer ic.End(err)
//
//	// Run context
//	ctx = telemetry.WithRunContext(ctx, runID, "apply")
//	defer telemetry.EndRunContext(ctx, runID, status, err)
//
//	// Operation context
//	ctx = telemetry.WithOperationContext(ctx, runID, node, action)
//	defer telemetry.EndOperationContext(ctx, runID, node, action, kind, status, err)
//
//	// Provider operation
//	err := telemetry.RecordProviderOperation(ctx, "mem", "create", func() error {
//	    return provider.Create(ctx, node, attrs)
//	})
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - terrane_runs_started_total{command}
//   - terrane_runs_completed_total{status}
//   - terrane_run_duration_seconds{status}
//   - terrane_operations_executed_total{action,status}
//   - terrane_operation_duration_seconds{action,kind}
//   - terrane_operation_retries_total{action}
//   - terrane_provider_calls_total{provider,operation}
//   - terrane_provision_duration_seconds{type}
//   - terrane_errors_by_class_total{class}
//   - terrane_policy_denials_total{policy}
//   - terrane_active_runs
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// This ensures all buffered events are published and pending traces exported.
package telemetry
