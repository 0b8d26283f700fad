// Package telemetry provides observability for cloudferry.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and a progress event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Components receive tel.Logger.Zerolog() and derive a component field from
// it. Tests use Nop, which discards logs and records nothing.
//
// # Runs and flows
//
// The migration engine wraps every run in StartRun and every flow in
// StartFlow. Each scope opens a span, updates the run and flow metrics and
// publishes progress events on End:
//
//	ctx, run := tel.StartRun(ctx, runID, "tenants")
//	defer run.End(status, err)
//
// # Metrics
//
// Metrics live in a private registry and are served by StartMetricsServer
// under MetricsConfig.Path. Every Record method is safe on a nil or disabled
// Metrics.
//
// # Events
//
// Subscribers are called one at a time in publish order. In async mode
// events are buffered and delivered from a background goroutine; Shutdown
// delivers what is left in the buffer.
package telemetry
