package editlock

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:5555", otlpTarget{protocol: "grpc", endpoint: "collector:5555", insecure: true}},
		{"grpcs://otel.example.com", otlpTarget{protocol: "grpc", endpoint: "otel.example.com:4317"}},
		{"http://otel:4318/v1/traces/", otlpTarget{protocol: "http", endpoint: "otel:4318", path: "/v1/traces", insecure: true}},
		{"https://otel.example.com", otlpTarget{protocol: "http", endpoint: "otel.example.com:4318"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.raw, tc.want, got)
		}
	}
	for _, raw := range []string{"", "udp://collector", "http://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{}, nil)
	if err != nil || bundle != nil {
		t.Fatalf("expected no telemetry, got %v err=%v", bundle, err)
	}
	if err := bundle.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil bundle shutdown: %v", err)
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{metricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer bundle.Shutdown(context.Background())

	resp, err := http.Get("http://" + bundle.servers[0].ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "target_info") {
		t.Fatalf("unexpected scrape %d: %s", resp.StatusCode, body)
	}
}

func TestSetupTelemetryRejectsProfilingWithoutMetrics(t *testing.T) {
	if _, err := setupTelemetry(context.Background(), telemetryConfig{runtimeProducers: true}, nil); err == nil {
		t.Fatal("expected error")
	}
}
