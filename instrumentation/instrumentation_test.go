package instrumentation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "disabled", config: Config{Enabled: false}},
		{name: "enabled with service name", config: Config{Enabled: true, ServiceName: "test-service", ServiceVersion: "1.0.0"}},
		{name: "enabled with defaults", config: Config{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Meter("server") == nil {
				t.Error("Meter() returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer() returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.Enabled() != tt.config.Enabled {
				t.Errorf("Enabled() = %v, want %v", inst.Enabled(), tt.config.Enabled)
			}
			if inst.config.ServiceName == "" {
				t.Error("ServiceName should have a default")
			}
		})
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordCodeExchange(ctx, "client-1", "S256")
	inst.Metrics().RecordExchangeFailure(ctx, "pkce_mismatch")
	inst.Metrics().RecordStorageOperation(ctx, "consume_code", ResultSuccess, 1.5)

	rec := httptest.NewRecorder()
	inst.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{"authz_codes_exchanged", "authz_exchange_failures", "authz_storage_operations", "pkce_mismatch"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHandler_Disabled(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec := httptest.NewRecorder()
	inst.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSpanProcessors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{Enabled: true, SpanProcessors: []sdktrace.SpanProcessor{recorder}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	_, span := inst.Tracer("server").Start(context.Background(), "exchange")
	AddOAuthFlowAttributes(span, "client-1", "user-1", "memories:read")
	SetSpanSuccess(span)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Name() != "exchange" {
		t.Errorf("span name = %q, want exchange", ended[0].Name())
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestRegisterStoreGauges(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	constant := func(n int64) GaugeCallback {
		return func(context.Context) (int64, error) { return n, nil }
	}
	if err := inst.RegisterStoreGauges(constant(3), constant(1), nil, constant(2)); err != nil {
		t.Fatalf("RegisterStoreGauges() error = %v", err)
	}

	rec := httptest.NewRecorder()
	inst.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "authz_storage_clients") {
		t.Error("metrics output missing client gauge")
	}
}
