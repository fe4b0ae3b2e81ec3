// Package sink converts per-frame engine predictions into published
// detection events. It is the hottest path in the processor: every
// inferred frame passes through it. The pause gate is a single atomic
// load; the remap, topic, QoS, model_id and instance_id lookups each take
// Config's read lock.
package sink

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cupertino-nvr/processor/internal/bufpool"
	"github.com/cupertino-nvr/processor/internal/bus"
	"github.com/cupertino-nvr/processor/internal/config"
	"github.com/cupertino-nvr/processor/internal/engine"
	"github.com/cupertino-nvr/processor/internal/events"
)

// DetectionSink converts engine.Prediction/engine.Frame pairs into
// events.DetectionEvent values and publishes them to the message bus.
// It holds a reference to (not a copy of) Config so model_id and
// instance_id are always read live at publish time, never snapshotted.
type DetectionSink struct {
	bus    bus.MessageBus
	cfg    *config.Config
	log    *slog.Logger
	bufs   *bufpool.Pool
	running atomic.Bool
}

// New constructs a DetectionSink with the gate open.
func New(b bus.MessageBus, cfg *config.Config, log *slog.Logger) *DetectionSink {
	s := &DetectionSink{
		bus:  b,
		cfg:  cfg,
		log:  log,
		bufs: bufpool.New(),
	}
	s.running.Store(true)
	return s
}

// OnFrame is the engine.FrameCallback the EngineManager wires up. It is
// the hot path: a single atomic load for the gate check, then a publish.
// Publish failures and per-frame errors are logged, never propagated —
// the engine callback must never see an error from this sink.
func (s *DetectionSink) OnFrame(pred engine.Prediction, frame engine.Frame) {
	// Gate check first: acquire semantics on Load pair with the Store in
	// Pause/Resume, so a pause() observed here implies no later publish
	// starts.
	if !s.running.Load() {
		return
	}

	actualSourceID, err := s.cfg.ActualSourceID(frame.SourceID)
	if err != nil {
		s.log.Error("error in detection sink", "source_index", frame.SourceID, "error", err)
		return
	}

	event := s.buildEvent(pred, frame, actualSourceID)
	topic := events.DetectionTopic(s.cfg.DetectionTopicPrefix(), actualSourceID)

	buf := s.bufs.Get()
	defer s.bufs.Put(buf)

	enc := json.NewEncoder(buf)
	if err := enc.Encode(event); err != nil {
		s.log.Error("error in detection sink", "source_id", actualSourceID, "error", err)
		return
	}

	payload := bytes.TrimRight(buf.Bytes(), "\n")
	if err := s.bus.Publish(topic, s.cfg.QoS(), false, payload); err != nil {
		s.log.Warn("failed to publish detection", "topic", topic, "error", err)
	}
}

func (s *DetectionSink) buildEvent(pred engine.Prediction, frame engine.Frame, actualSourceID int) events.DetectionEvent {
	detections := make([]events.Detection, 0, len(pred.Detections))
	for _, d := range pred.Detections {
		detections = append(detections, events.Detection{
			ClassName:  d.ClassName,
			Confidence: d.Confidence,
			BBox: events.BoundingBox{
				X:      d.X,
				Y:      d.Y,
				Width:  d.Width,
				Height: d.Height,
			},
			TrackerID: d.TrackerID,
		})
	}

	return events.DetectionEvent{
		InstanceID:      s.cfg.InstanceID(), // dynamic, not snapshotted
		SourceID:        actualSourceID,
		FrameID:         frame.FrameID,
		Timestamp:       time.Unix(0, int64(frame.Timestamp*float64(time.Second))).UTC(),
		ModelID:         s.cfg.ModelID(), // dynamic, not snapshotted
		InferenceTimeMs: pred.InferenceTimeMs,
		Detections:      detections,
	}
}

// Pause clears the gate immediately, as part of the two-level
// pause/resume ordering: the sink gate closes first, before the engine
// is asked to stop buffering. Memory visibility of the flip across
// goroutines is provided by atomic.Bool's store/load pairing.
func (s *DetectionSink) Pause() {
	s.running.Store(false)
	s.log.Info("detection sink paused", "event", "sink_paused")
}

// Resume re-opens the gate. Called strictly after the engine has
// resumed buffering (inverse of Pause's ordering).
func (s *DetectionSink) Resume() {
	s.running.Store(true)
	s.log.Info("detection sink resumed", "event", "sink_resumed")
}

// Running reports whether the gate is currently open.
func (s *DetectionSink) Running() bool {
	return s.running.Load()
}
