// Package events defines the wire schema published and consumed on the
// message bus: detection events, inbound commands, acknowledgements and
// status events, plus the topic-naming conventions that bind them to a
// concrete instance and source.
package events

import (
	"strconv"
	"strings"
	"time"
)

// BoundingBox is a pixel-space box in center-x/center-y/width/height
// form, matching the source frame's coordinate system.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is a single object detection within one frame.
type Detection struct {
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
	TrackerID  *int        `json:"tracker_id,omitempty"`
}

// DetectionEvent is the immutable value published to the detection
// topic for one processed frame. ModelID and InstanceID are read from
// Config at publish time by the sink rather than carried through from
// frame construction, so they always reflect the live config.
type DetectionEvent struct {
	InstanceID      string      `json:"instance_id"`
	SourceID        int         `json:"source_id"`
	FrameID         int64       `json:"frame_id"`
	Timestamp       time.Time   `json:"timestamp"`
	ModelID         string      `json:"model_id"`
	InferenceTimeMs float64     `json:"inference_time_ms"`
	Detections      []Detection `json:"detections"`
	FPS             *float64    `json:"fps,omitempty"`
	LatencyMs       *float64    `json:"latency_ms,omitempty"`
}

// CommandEnvelope is the inbound payload on the shared command topic.
// Unknown keys in Params are ignored by handlers; an unrecognised
// Command produces an error acknowledgement from the router.
type CommandEnvelope struct {
	Command         string         `json:"command"`
	Params          map[string]any `json:"params"`
	TargetInstances []string       `json:"target_instances,omitempty"`
}

// Matches reports whether this envelope targets the given instance id,
// per the broadcast convention: absent or ["*"] means everyone.
func (c CommandEnvelope) Matches(instanceID string) bool {
	if len(c.TargetInstances) == 0 {
		return true
	}
	for _, t := range c.TargetInstances {
		if t == "*" || t == instanceID {
			return true
		}
	}
	return false
}

// AckStatus is the three-phase MQTT acknowledgement lifecycle state.
type AckStatus string

const (
	AckReceived  AckStatus = "received"
	AckExecuting AckStatus = "executing"
	AckCompleted AckStatus = "completed"
	AckError     AckStatus = "error"
)

// Acknowledgement is published on the instance's ack topic, non-retained.
type Acknowledgement struct {
	InstanceID string    `json:"instance_id"`
	Command    string    `json:"command"`
	AckStatus  AckStatus `json:"ack_status"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message,omitempty"`
}

// Status is a lifecycle status value published to the instance's
// retained status topic.
type Status string

const (
	StatusStarting      Status = "starting"
	StatusConnected     Status = "connected"
	StatusRunning       Status = "running"
	StatusPaused        Status = "paused"
	StatusReconfiguring Status = "reconfiguring"
	StatusRestarting    Status = "restarting"
	StatusStopped       Status = "stopped"
	StatusError         Status = "error"
	StatusDisconnected  Status = "disconnected"
)

// StatusEvent is published retained on the instance's status topic. Extra
// carries arbitrary extension fields (config view, uptime, health,
// rename origin, pong flag) merged into the outbound JSON object.
type StatusEvent struct {
	InstanceID string
	Status     Status
	Timestamp  time.Time
	Extra      map[string]any
}

// MarshalMap flattens the StatusEvent into a single map suitable for
// JSON encoding, since Go structs cannot splat arbitrary extension
// fields the way the original dict-based payload does.
func (s StatusEvent) MarshalMap() map[string]any {
	out := make(map[string]any, len(s.Extra)+3)
	for k, v := range s.Extra {
		out[k] = v
	}
	out["instance_id"] = s.InstanceID
	out["status"] = string(s.Status)
	out["timestamp"] = s.Timestamp.UTC().Format(time.RFC3339Nano)
	return out
}

// DetectionTopic returns the publish topic for a detection event on the
// given (already remapped) actual source id.
func DetectionTopic(prefix string, actualSourceID int) string {
	return prefix + "/" + strconv.Itoa(actualSourceID)
}

// StatusTopic returns the retained status topic for an instance.
func StatusTopic(prefix, instanceID string) string {
	return prefix + "/" + instanceID
}

// AckTopic returns the non-retained ack topic for an instance.
func AckTopic(prefix, instanceID string) string {
	return prefix + "/" + instanceID + "/ack"
}

// LightweightMetricsTopic returns the periodic, retained metrics topic.
func LightweightMetricsTopic(metricsTopic, instanceID string) string {
	return metricsTopic + "/" + instanceID
}

// FullMetricsTopic returns the on-demand, non-retained full metrics
// report topic.
func FullMetricsTopic(statusPrefix, instanceID string) string {
	return statusPrefix + "/metrics/" + instanceID
}

// ParseSourceIDFromTopic extracts the trailing source id segment from a
// detection topic, returning ok=false if the topic doesn't carry one.
func ParseSourceIDFromTopic(topic string) (int, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return 0, false
	}
	id, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, false
	}
	return id, true
}
