package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"production with endpoint", func(c *Config) {
			*c = *ProductionConfig()
			c.Tracing.Endpoint = "localhost:4317"
		}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"unknown exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, true},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, true},
		{"sampling rate", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"async without buffer", func(c *Config) {
			c.Events.EnableAsync = true
			c.Events.BufferSize = 0
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("discovery").WithCloud("src").WithObject("tenant:src:t1").Info("Stored")

	out := buf.String()
	for _, want := range []string{`"component":"discovery"`, `"cloud":"src"`, `"object":"tenant:src:t1"`, `"message":"Stored"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}

	buf.Reset()
	logger.WithMigration("tenant-a").WithRunID("run-1").WithError(errors.New("boom")).Error("Run aborted")
	out = buf.String()
	for _, want := range []string{`"migration":"tenant-a"`, `"run_id":"run-1"`, `"error":"boom"`, `"level":"error"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}

	buf.Reset()
	quiet := NewLoggerTo(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	quiet.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered at warn level, got %s", buf.String())
	}
}

func TestMetrics_DisabledAndNil(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordLookup("tenant", LookupHit)
	nilMetrics.RecordRunStarted("m")

	disabled, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	disabled.RecordFlowCompleted("succeeded", time.Second)
	disabled.RecordDestructor("restore_power", nil)

	rec := httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("Expected 404 from disabled metrics, got %d", rec.Code)
	}
}

func TestMetrics_Record(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordLookup("tenant", LookupHit)
	m.RecordLookup("tenant", LookupHit)
	m.RecordLookup("tenant", LookupNotFound)
	m.RecordCloudCall("src", "get", 10*time.Millisecond, errors.New("boom"))
	m.RecordRunStarted("tenants")
	m.RecordRunCompleted("completed", time.Second)
	m.RecordDestructor("restore_power", errors.New("boom"))

	if got := testutil.ToFloat64(m.lookups.WithLabelValues("tenant", LookupHit)); got != 2 {
		t.Errorf("Expected 2 hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.cloudErrors.WithLabelValues("src", "get")); got != 1 {
		t.Errorf("Expected 1 cloud error, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("Expected no active runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.destructors.WithLabelValues("restore_power", "failed")); got != 1 {
		t.Errorf("Expected 1 failed destructor, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "cloudferry_object_lookups_total") {
		t.Errorf("Expected lookups in exposition, got %s", rec.Body.String())
	}
}

func TestEventPublisher_Async(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.FlowID)
	}, FilterByType(EventTypeFlowStarted))

	for _, id := range []string{"a", "b", "c"} {
		if err := ep.PublishFlowStarted("run-1", id); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	_ = ep.PublishRunStarted("run-1", "m")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("Expected ordered delivery of a,b,c, got %v", got)
	}

	if err := ep.PublishFlowStarted("run-1", "d"); err == nil {
		t.Errorf("Expected publish after shutdown to fail")
	}
}

func TestEventPublisher_FilterByRunID(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.RunID+"/"+e.Type) }, FilterByRunID("run-1"))

	_ = ep.PublishRunStarted("run-1", "m")
	_ = ep.PublishFlowStarted("run-2", "a")
	_ = ep.PublishFlowStarted("run-1", "b")
	_ = ep.PublishObjectInvalid("src", "tenant", "t1", "bad")

	want := "run-1/" + EventTypeRunStarted + ",run-1/" + EventTypeFlowStarted
	if strings.Join(got, ",") != want {
		t.Errorf("Expected %s, got %v", want, got)
	}
}

func TestDevelopmentConfig(t *testing.T) {
	cfg := DevelopmentConfig()
	if cfg.Logging.Level != "debug" || !cfg.Logging.EnableCaller {
		t.Errorf("Expected debug logging with caller, got %+v", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected a valid config, got %v", err)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	if err := ep.PublishRunStarted("run-1", "m"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if called {
		t.Errorf("Expected disabled publisher to drop events")
	}
}

func TestStartOperation_WithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "discover")
	if op.Span != nil {
		t.Errorf("Expected no span without telemetry")
	}
	op.End(nil)

	tel := Nop()
	op = StartOperation(tel.WithContext(context.Background()), "discover", AttrCloud.String("src"))
	if op.Span == nil {
		t.Fatalf("Expected span with telemetry")
	}
	op.End(errors.New("boom"))
}
