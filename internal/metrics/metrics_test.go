package metrics

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cupertino-nvr/processor/internal/bus"
	"github.com/cupertino-nvr/processor/internal/config"
	"github.com/cupertino-nvr/processor/internal/engine"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newTestConfig(t *testing.T, intervalSeconds float64) *config.Config {
	t.Helper()
	c, err := config.New(config.Params{
		InstanceID:      "P",
		StreamURIs:      []string{"rtsp://h/0"},
		SourceIDMapping: []int{0},
		StreamServer:    "rtsp://h",
		MetricsInterval: intervalSeconds,
	})
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	return c
}

func latency(v float64) *float64 { return &v }

func TestFullReportEmptyWithoutProbe(t *testing.T) {
	cfg := newTestConfig(t, 0)
	b := bus.NewFakeMessageBus()
	r := NewReporter(b, cfg, testLogger(), prometheus.NewRegistry())

	report := r.FullReport()
	if len(report) != 0 {
		t.Fatalf("expected empty report without a probe, got %+v", report)
	}
}

func TestFullReportWithProbe(t *testing.T) {
	cfg := newTestConfig(t, 0)
	b := bus.NewFakeMessageBus()
	r := NewReporter(b, cfg, testLogger(), prometheus.NewRegistry())
	r.SetProbe(&engine.FakeMetricsProbe{R: engine.Report{
		InferenceThroughput: 12.345,
		LatencyReports: []engine.LatencyReport{
			{SourceID: 0, E2ELatencyMs: latency(33.3)},
		},
		SourcesMetadata: []engine.SourceMetadata{
			{SourceID: 0, FPS: latency(25)},
		},
	}})

	report := r.FullReport()
	if report["instance_id"] != "P" {
		t.Fatalf("expected instance_id P, got %v", report["instance_id"])
	}
	lr, ok := report["latency_reports"].([]map[string]any)
	if !ok || len(lr) != 1 {
		t.Fatalf("unexpected latency_reports: %+v", report["latency_reports"])
	}
}

func TestStartDisabledWhenIntervalZero(t *testing.T) {
	cfg := newTestConfig(t, 0)
	b := bus.NewFakeMessageBus()
	r := NewReporter(b, cfg, testLogger(), nil)
	r.SetProbe(&engine.FakeMetricsProbe{})

	r.Start()
	if r.stopCh != nil {
		t.Fatalf("expected no worker to start when metrics_interval_s is 0")
	}
	r.Stop() // must be a no-op, not a panic
}

func TestStartDisabledWithoutProbe(t *testing.T) {
	cfg := newTestConfig(t, 1)
	b := bus.NewFakeMessageBus()
	r := NewReporter(b, cfg, testLogger(), nil)

	r.Start()
	if r.stopCh != nil {
		t.Fatalf("expected no worker to start without a probe")
	}
}

func TestPeriodicPublishAndStop(t *testing.T) {
	cfg := newTestConfig(t, 0.02)
	b := bus.NewFakeMessageBus()
	r := NewReporter(b, cfg, testLogger(), prometheus.NewRegistry())
	r.SetProbe(&engine.FakeMetricsProbe{R: engine.Report{
		InferenceThroughput: 5,
		LatencyReports:      []engine.LatencyReport{{SourceID: 0, E2ELatencyMs: latency(10)}},
	}})

	r.Start()
	time.Sleep(100 * time.Millisecond)
	r.Stop()

	msgs := b.MessagesOn("nvr/metrics/P")
	if len(msgs) == 0 {
		t.Fatalf("expected at least one lightweight metrics publish")
	}
	if !msgs[0].Retain {
		t.Fatalf("expected lightweight metrics to be retained")
	}
	var parsed map[string]any
	if err := json.Unmarshal(msgs[0].Payload, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["instance_id"] != "P" {
		t.Fatalf("unexpected payload: %+v", parsed)
	}
}
