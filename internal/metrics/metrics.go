// Package metrics implements the periodic and on-demand metrics
// reporting the processor publishes about its own engine. It samples an
// engine.MetricsProbe and can additionally mirror a few of those
// samples into Prometheus counters/gauges for operators who scrape this
// process directly, independent of the MQTT reports.
package metrics

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cupertino-nvr/processor/internal/bus"
	"github.com/cupertino-nvr/processor/internal/config"
	"github.com/cupertino-nvr/processor/internal/engine"
)

// Reporter samples an engine.MetricsProbe on a timer and publishes a
// lightweight report; it also serves a full report on demand for the
// "metrics" command.
type Reporter struct {
	bus bus.MessageBus
	cfg *config.Config
	log *slog.Logger

	mu    sync.Mutex
	probe engine.MetricsProbe

	stopCh chan struct{}
	doneCh chan struct{}

	throughputGauge prometheus.Gauge
	publishCounter  prometheus.Counter
	publishFailures prometheus.Counter
}

// NewReporter constructs a Reporter. reg may be nil to skip Prometheus
// registration entirely (e.g. in unit tests that don't care about it).
func NewReporter(b bus.MessageBus, cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) *Reporter {
	r := &Reporter{bus: b, cfg: cfg, log: log}

	r.throughputGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nvr",
		Subsystem: "processor",
		Name:      "inference_throughput",
		Help:      "Most recently sampled inference throughput in frames per second.",
	})
	r.publishCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nvr",
		Subsystem: "processor",
		Name:      "metrics_reports_published_total",
		Help:      "Total number of lightweight metrics reports published.",
	})
	r.publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nvr",
		Subsystem: "processor",
		Name:      "metrics_publish_failures_total",
		Help:      "Total number of failed metrics publish attempts.",
	})

	if reg != nil {
		reg.MustRegister(r.throughputGauge, r.publishCounter, r.publishFailures)
	}

	return r
}

// SetProbe installs the engine's metrics probe, replacing any previous
// one. EngineManager calls this every time it (re)creates the engine,
// since restart recreates the probe alongside the engine.
func (r *Reporter) SetProbe(probe engine.MetricsProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probe = probe
}

func (r *Reporter) currentProbe() engine.MetricsProbe {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probe
}

// Start launches the periodic reporting worker if metrics_interval_s is
// positive and a probe is available; otherwise it logs why it did not
// start and returns immediately (both reasons are independent, per the
// original implementation).
func (r *Reporter) Start() {
	interval := r.cfg.MetricsIntervalSeconds()
	if interval <= 0 {
		r.log.Info("metrics reporting disabled", "event", "metrics_reporting_disabled", "interval_s", interval)
		return
	}
	if r.currentProbe() == nil {
		r.log.Warn("metrics probe unavailable, cannot start metrics reporting", "event", "watchdog_unavailable")
		return
	}

	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.reportingLoop(interval)

	r.log.Info("metrics reporting started", "event", "metrics_started", "interval_s", interval, "topic", r.cfg.MetricsTopic())
}

// Stop signals the worker to exit and waits up to 5 seconds for it to
// do so. Safe to call even if Start never launched a worker.
func (r *Reporter) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	select {
	case <-r.doneCh:
	case <-time.After(5 * time.Second):
		r.log.Error("metrics worker did not stop within grace period", "event", "metrics_stop_timeout")
	}
	r.log.Info("metrics reporting stopped", "event", "metrics_stopped")
}

// reportingLoop wakes every interval seconds and publishes a
// lightweight report if throughput is non-zero. The timed wait on
// stopCh is the Go equivalent of the original's
// threading.Event.wait(timeout=interval): it both sleeps and provides
// cooperative cancellation in one select.
func (r *Reporter) reportingLoop(intervalSeconds float64) {
	defer close(r.doneCh)

	ticker := time.NewTicker(time.Duration(intervalSeconds * float64(time.Second)))
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			probe := r.currentProbe()
			if probe == nil {
				continue
			}
			report := probe.Report()
			r.throughputGauge.Set(report.InferenceThroughput)
			if report.InferenceThroughput > 0 {
				r.publishLightweight(report)
			}
		}
	}
}

func (r *Reporter) publishLightweight(report engine.Report) {
	metrics := lightweightMetrics(r.cfg.InstanceID(), report)
	payload, err := json.Marshal(metrics)
	if err != nil {
		r.log.Error("error in metrics reporting", "event", "metrics_error", "error", err)
		return
	}

	topic := r.cfg.MetricsTopic() + "/" + r.cfg.InstanceID()
	if err := r.bus.Publish(topic, 0, true, payload); err != nil {
		r.publishFailures.Inc()
		r.log.Warn("failed to publish metrics", "topic", topic, "error", err)
		return
	}
	r.publishCounter.Inc()
}

func lightweightMetrics(instanceID string, report engine.Report) map[string]any {
	var latencySum float64
	var latencyCount int
	sources := make([]map[string]any, 0, len(report.LatencyReports))
	for _, lr := range report.LatencyReports {
		entry := map[string]any{"source_id": lr.SourceID}
		if lr.E2ELatencyMs != nil {
			entry["latency_ms"] = round2(*lr.E2ELatencyMs)
			latencySum += *lr.E2ELatencyMs
			latencyCount++
		} else {
			entry["latency_ms"] = nil
		}
		sources = append(sources, entry)
	}

	out := map[string]any{
		"timestamp":            time.Now().UTC().Format(time.RFC3339Nano),
		"instance_id":          instanceID,
		"inference_throughput": round2(report.InferenceThroughput),
		"sources":              sources,
	}
	if latencyCount > 0 {
		out["avg_latency_ms"] = round2(latencySum / float64(latencyCount))
	} else {
		out["avg_latency_ms"] = nil
	}
	return out
}

// FullReport returns the complete probe output: per-source latency,
// source metadata. Used by the "metrics" command handler. Returns an
// empty map if no probe is available.
func (r *Reporter) FullReport() map[string]any {
	probe := r.currentProbe()
	if probe == nil {
		return map[string]any{}
	}
	report := probe.Report()

	latencyReports := make([]map[string]any, 0, len(report.LatencyReports))
	for _, lr := range report.LatencyReports {
		latencyReports = append(latencyReports, map[string]any{
			"source_id":                lr.SourceID,
			"frame_decoding_latency_ms": optRound2(lr.FrameDecodingLatencyMs),
			"inference_latency_ms":     optRound2(lr.InferenceLatencyMs),
			"e2e_latency_ms":           optRound2(lr.E2ELatencyMs),
		})
	}

	sourcesMetadata := make([]map[string]any, 0, len(report.SourcesMetadata))
	for _, m := range report.SourcesMetadata {
		var resolution any
		if m.Width != nil && m.Height != nil {
			resolution = strconv.Itoa(*m.Width) + "x" + strconv.Itoa(*m.Height)
		}
		var fps any
		if m.FPS != nil {
			fps = *m.FPS
		}
		sourcesMetadata = append(sourcesMetadata, map[string]any{
			"source_id":  m.SourceID,
			"fps":        fps,
			"resolution": resolution,
		})
	}

	return map[string]any{
		"timestamp":            time.Now().UTC().Format(time.RFC3339Nano),
		"instance_id":          r.cfg.InstanceID(),
		"inference_throughput": report.InferenceThroughput,
		"latency_reports":      latencyReports,
		"sources_metadata":     sourcesMetadata,
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func optRound2(v *float64) any {
	if v == nil {
		return nil
	}
	return round2(*v)
}

