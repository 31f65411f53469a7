// Package telemetry provides observability for imctl: structured logging
// (zerolog), tracing (OpenTelemetry) and metrics (Prometheus).
//
// # Usage
//
// Initialize telemetry at startup:
//
//	tel, err := telemetry.NewTelemetry(appCfg.Telemetry(version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// NewTracer installs the global tracer provider, so the engine's spans
// (created through otel.Tracer) are exported without further wiring.
//
// Metrics implements engine.Observer and probe.Recorder:
//
//	orch := engine.NewOrchestrator(detector, engine.WithObserver(tel.Metrics))
//	prober := probe.New(probe.WithRecorder(tel.Metrics))
//
// A Metrics value built with Enabled=false accepts every call and records
// nothing.
//
// # Metrics
//
//   - installmgr_detections_total{state,topology}
//   - installmgr_probes_total{status}, installmgr_probe_duration_seconds
//   - installmgr_plans_generated_total{operation,topology}, installmgr_plan_steps
//   - installmgr_operation_failures_total{operation,class}, installmgr_errors_by_code_total
//   - installmgr_steps_executed_total{kind,status}, installmgr_step_duration_seconds
//   - installmgr_executions_completed_total, installmgr_execution_duration_seconds
//   - installmgr_active_executions
package telemetry
