// Package engine defines the StreamEngine capability the EngineManager
// drives: an opaque inference pipeline with a create/start/pause/resume
// /terminate/join lifecycle, a per-frame callback, and an optional
// metrics probe. A concrete RTSP + inference pipeline is out of scope
// here; only the interface and a test fake live in this package.
package engine

import "context"

// Frame is the per-frame metadata delivered to the FrameCallback.
type Frame struct {
	SourceID  int // internal, 0-based index into Config.StreamURIs
	FrameID   int64
	Timestamp float64 // Unix epoch seconds
}

// Prediction is one frame's raw inference output, prior to remapping
// and event construction by the DetectionSink.
type Prediction struct {
	InferenceTimeMs float64
	Detections      []RawDetection
}

// RawDetection is a single detection as produced by the engine, in the
// same shape the DetectionSink turns into an events.Detection.
type RawDetection struct {
	ClassName  string
	Confidence float64
	X, Y       float64
	Width      float64
	Height     float64
	TrackerID  *int
}

// FrameCallback is invoked by the engine for each inferred frame. It
// must never block for long — publishing happens on the calling
// goroutine, the engine's internal worker.
type FrameCallback func(pred Prediction, frame Frame)

// MetricsProbe is the optional metrics collection capability a
// StreamEngine may expose, sampled periodically by MetricsReporter.
type MetricsProbe interface {
	// Report returns the current watchdog-style report: throughput,
	// per-source latency, and source metadata.
	Report() Report
}

// Report is a watchdog-style snapshot: inference throughput, per-source
// latency, and per-source stream metadata.
type Report struct {
	InferenceThroughput float64
	LatencyReports      []LatencyReport
	SourcesMetadata     []SourceMetadata
}

// LatencyReport is a single source's latency breakdown, in milliseconds.
type LatencyReport struct {
	SourceID              int
	FrameDecodingLatencyMs *float64
	InferenceLatencyMs     *float64
	E2ELatencyMs           *float64
}

// SourceMetadata is a single source's stream metadata.
type SourceMetadata struct {
	SourceID int
	FPS      *float64
	Width    *int
	Height   *int
}

// StreamEngine is the narrow capability set the EngineManager drives.
// Implementations run one or more internal worker goroutines (opaque to
// the core) that invoke the configured FrameCallback as frames are
// processed. Start blocks until stream connections are established or
// permanently refused and is not cancellable mid-connect; Terminate
// requests shutdown and Join blocks until it completes.
type StreamEngine interface {
	// Start begins processing; blocks until streams connect or fail.
	Start(ctx context.Context) error
	// PauseBuffering stops the engine from buffering new frames. Frames
	// already in flight may continue to be delivered for a short drain
	// window — the DetectionSink's gate, not this call, is what
	// guarantees no detections are published after pause.
	PauseBuffering() error
	// ResumeBuffering resumes frame buffering after a pause.
	ResumeBuffering() error
	// Terminate requests the engine stop permanently. Idempotent.
	Terminate() error
	// Join blocks until the engine has fully terminated.
	Join()
	// Metrics returns the engine's metrics probe, or nil if unavailable.
	Metrics() MetricsProbe
}

// Factory constructs a new StreamEngine bound to the given stream URIs
// and frame callback. EngineManager calls it on create() and on every
// restart.
type Factory func(streamURIs []string, modelID string, maxFPS *float64, confidenceThreshold float64, onFrame FrameCallback) (StreamEngine, error)
