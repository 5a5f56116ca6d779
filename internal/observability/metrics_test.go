package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/speechrelay/internal/logging"
)

func TestObserveTaskCountsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry("test", reg)
	m.ObserveTask("sambert", "finished", "", 1500*time.Millisecond, 2048)
	m.ObserveTask("sambert", "failed", "upstream_failed", time.Second, 0)

	if got := counterTotal(t, reg, "test_task_outcomes_total"); got != 2 {
		t.Fatalf("task outcomes = %v, want 2", got)
	}
	if got := counterTotal(t, reg, "test_audio_bytes_total"); got != 2048 {
		t.Fatalf("audio bytes = %v, want 2048", got)
	}
}

func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestObserveTaskNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveTask("sambert", "finished", "", time.Second, 1)
}

func TestSetupTracingNoneAndUnknown(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{Exporter: "none"}, logging.Discard())
	if err != nil {
		t.Fatalf("SetupTracing(none) error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
	if _, err := SetupTracing(context.Background(), TracingConfig{Exporter: "zipkin"}, logging.Discard()); err == nil {
		t.Fatalf("SetupTracing(zipkin) expected error")
	}
}
