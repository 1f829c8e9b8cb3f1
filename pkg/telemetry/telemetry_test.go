package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sinkhole-dns/pkg/config"
	"sinkhole-dns/pkg/logging"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newTestTelemetry(t *testing.T, prometheus bool) *Telemetry {
	t.Helper()
	cfg := &config.TelemetryConfig{
		Enabled:           true,
		ServiceName:       "test-service",
		ServiceVersion:    "1.0.0",
		PrometheusEnabled: prometheus,
	}
	tel, err := New(context.Background(), cfg, logging.NewDefault())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	})
	return tel
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestDisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: false}, logging.NewDefault())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if tel.MeterProvider() == nil || tel.TracerProvider() == nil {
		t.Fatal("Disabled telemetry should still return noop providers")
	}

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics() with disabled telemetry failed: %v", err)
	}
	metrics.RecordQuery(context.Background(), "A")
	metrics.RecordOutcome(context.Background(), "sinkhole", "ads", 1.5)

	// Serve is a no-op when disabled
	tel.Serve(nil)
	if tel.server != nil {
		t.Error("Serve() started a server with telemetry disabled")
	}
}

func TestInitMetrics(t *testing.T) {
	tel := newTestTelemetry(t, false)

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics() failed: %v", err)
	}
	if metrics.DNSQueriesTotal == nil || metrics.DNSQueryDuration == nil {
		t.Error("query metrics not initialized")
	}
	if metrics.StoreLookups == nil || metrics.StatsFlushFailures == nil {
		t.Error("store metrics not initialized")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordQuery(ctx, "A")
	m.RecordOutcome(ctx, "forward", "", 1)
	m.RecordLookup(ctx, "ads", errors.New("down"))
	m.RecordSendFailure(ctx)
	m.AddFlushFailure(ctx)
}

func TestMetricsEndpoint(t *testing.T) {
	tel := newTestTelemetry(t, true)

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics() failed: %v", err)
	}
	ctx := context.Background()
	metrics.RecordQuery(ctx, "A")
	metrics.RecordOutcome(ctx, "sinkhole", "ads", 0.8)
	metrics.RecordLookup(ctx, "ads", nil)

	code, body := get(t, tel.Router(nil), "/metrics")
	if code != http.StatusOK {
		t.Fatalf("/metrics status = %d", code)
	}
	for _, want := range []string{"dns_queries_total", "dns_queries_sinkholed", "store_lookups"} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics output missing %s", want)
		}
	}
}

func TestMetricsEndpointAbsentWithoutPrometheus(t *testing.T) {
	tel := newTestTelemetry(t, false)

	if code, _ := get(t, tel.Router(nil), "/metrics"); code != http.StatusNotFound {
		t.Errorf("/metrics status = %d, want 404", code)
	}
}

func TestHealthz(t *testing.T) {
	tel := newTestTelemetry(t, false)

	code, body := get(t, tel.Router(fakePinger{}), "/healthz")
	if code != http.StatusOK || strings.TrimSpace(body) != "ok" {
		t.Errorf("/healthz = %d %q, want 200 ok", code, body)
	}

	code, body = get(t, tel.Router(fakePinger{err: errors.New("connection refused")}), "/healthz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("/healthz status = %d, want 503", code)
	}
	if !strings.Contains(body, "connection refused") {
		t.Errorf("/healthz body = %q", body)
	}
}

func TestTracerProvider(t *testing.T) {
	tel := newTestTelemetry(t, false)

	_, span := tel.TracerProvider().Tracer("test-tracer").Start(context.Background(), "test-span")
	if span == nil {
		t.Fatal("Start() returned nil span")
	}
	span.End()
}

func TestShutdownWithoutServer(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{
		Enabled:           true,
		ServiceName:       "test-service",
		PrometheusEnabled: true,
	}, logging.NewDefault())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
