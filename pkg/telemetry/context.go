package telemetry

import (
	"context"
	"io"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and progress events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that discards logs and records nothing. Events are
// still delivered synchronously to subscribers.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Events.EnableAsync = false
	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)
	return &Telemetry{
		Logger:  NewLoggerTo(LoggingConfig{Level: "error", Format: "json"}, io.Discard),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops every component, in reverse order of initialization.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := t.Events.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.Metrics.StopMetricsServer(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger.Zerolog())
}

// InstrumentedContext carries the span and logger of an operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation using the telemetry in
// ctx. Without telemetry only the timer and context logger are set.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	logger := tel.Logger.WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithField("trace_id", span.SpanContext().TraceID().String())
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		EndSpan(ic.Span, err)
	}
}

// RunScope tracks one migration run across tracing, metrics and events.
type RunScope struct {
	tel       *Telemetry
	runID     string
	migration string
	span      trace.Span
	timer     *Timer
}

// StartRun opens the span of a run and records its start.
func (t *Telemetry) StartRun(ctx context.Context, runID, migration string) (context.Context, *RunScope) {
	ctx, span := t.Tracer.StartRunSpan(ctx, runID, migration)
	t.Metrics.RecordRunStarted(migration)
	_ = t.Events.PublishRunStarted(runID, migration)
	return ctx, &RunScope{tel: t, runID: runID, migration: migration, span: span, timer: NewTimer()}
}

// End closes the run with status. err is the error that failed the run.
func (s *RunScope) End(status string, err error) {
	duration := s.timer.Duration()
	s.span.SetAttributes(AttrRunStatus.String(status))
	EndSpan(s.span, err)
	s.tel.Metrics.RecordRunCompleted(status, duration)
	if err != nil {
		_ = s.tel.Events.PublishRunFailed(s.runID, s.migration, err.Error())
		return
	}
	_ = s.tel.Events.PublishRunCompleted(s.runID, s.migration, status, duration)
}

// FlowScope tracks one flow of a run.
type FlowScope struct {
	tel    *Telemetry
	runID  string
	flowID string
	span   trace.Span
	timer  *Timer
}

// StartFlow opens the span of a flow.
func (t *Telemetry) StartFlow(ctx context.Context, runID, flowID string) (context.Context, *FlowScope) {
	ctx, span := t.Tracer.StartFlowSpan(ctx, runID, flowID)
	_ = t.Events.PublishFlowStarted(runID, flowID)
	return ctx, &FlowScope{tel: t, runID: runID, flowID: flowID, span: span, timer: NewTimer()}
}

// End closes the flow with its terminal status.
func (s *FlowScope) End(status string, err error) {
	duration := s.timer.Duration()
	s.span.SetAttributes(AttrFlowStatus.String(status))
	EndSpan(s.span, err)
	s.tel.Metrics.RecordFlowCompleted(status, duration)
	_ = s.tel.Events.PublishFlowFinished(s.runID, s.flowID, status, duration, err)
}
