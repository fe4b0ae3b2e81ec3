// Package config holds the processor's mutable runtime configuration:
// stream sources, inference parameters, and message-bus/control-plane
// addressing. Every mutation goes through Validate so the config can
// never be observed in a broken state by a concurrent reader.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cupertino-nvr/processor/internal/nvrerrors"
)

// Config is the process-wide, single-instance runtime configuration. All
// fields are guarded by mu; readers should use the accessor methods
// (PublicView, TakeSnapshot, StreamURIs, ...) rather than touching fields
// directly from outside the package.
type Config struct {
	mu sync.RWMutex

	instanceID string

	streamURIs       []string
	sourceIDMapping  []int
	streamServer     string

	modelID             string
	maxFPS              *float64
	confidenceThreshold float64
	enableWatchdog      bool

	busHost         string
	busPort         int
	busUsername     *string
	busPassword     *string
	detectionPrefix string
	qos             byte
	metricsTopic    string
	metricsInterval float64

	enableControlPlane bool
	commandTopic       string
	statusTopicPrefix  string
}

// Params bundles the values required to construct a Config. Zero values
// for optional fields are filled in by applyDefaults.
type Params struct {
	InstanceID      string
	StreamURIs      []string
	SourceIDMapping []int
	StreamServer    string

	ModelID             string
	MaxFPS              *float64
	ConfidenceThreshold float64
	EnableWatchdog      bool

	BusHost         string
	BusPort         int
	BusUsername     *string
	BusPassword     *string
	DetectionPrefix string
	QoS             byte
	MetricsTopic    string
	MetricsInterval float64

	EnableControlPlane bool
	CommandTopic       string
	StatusTopicPrefix  string
}

func (p *Params) applyDefaults() {
	if p.InstanceID == "" {
		p.InstanceID = randomInstanceID()
	}
	if p.ModelID == "" {
		p.ModelID = "yolov8x-640"
	}
	if p.ConfidenceThreshold == 0 {
		p.ConfidenceThreshold = 0.5
	}
	if p.BusHost == "" {
		p.BusHost = "localhost"
	}
	if p.BusPort == 0 {
		p.BusPort = 1883
	}
	if p.DetectionPrefix == "" {
		p.DetectionPrefix = "nvr/detections"
	}
	if p.MetricsTopic == "" {
		p.MetricsTopic = "nvr/metrics"
	}
	if p.CommandTopic == "" {
		p.CommandTopic = "nvr/commands"
	}
	if p.StatusTopicPrefix == "" {
		p.StatusTopicPrefix = "nvr/status"
	}
	if p.SourceIDMapping == nil {
		p.SourceIDMapping = make([]int, len(p.StreamURIs))
		for i := range p.SourceIDMapping {
			p.SourceIDMapping[i] = i
		}
	}
}

// New constructs a Config, applying defaults for zero-value optional
// fields and validating the result. Returns a *nvrerrors.ConfigError if
// any invariant is violated.
func New(p Params) (*Config, error) {
	p.applyDefaults()

	c := &Config{
		instanceID:          p.InstanceID,
		streamURIs:          append([]string(nil), p.StreamURIs...),
		sourceIDMapping:     append([]int(nil), p.SourceIDMapping...),
		streamServer:        p.StreamServer,
		modelID:             p.ModelID,
		maxFPS:              p.MaxFPS,
		confidenceThreshold: p.ConfidenceThreshold,
		enableWatchdog:      p.EnableWatchdog,
		busHost:             p.BusHost,
		busPort:             p.BusPort,
		busUsername:         p.BusUsername,
		busPassword:         p.BusPassword,
		detectionPrefix:     p.DetectionPrefix,
		qos:                 p.QoS,
		metricsTopic:        p.MetricsTopic,
		metricsInterval:     p.MetricsInterval,
		enableControlPlane:  p.EnableControlPlane,
		commandTopic:        p.CommandTopic,
		statusTopicPrefix:   p.StatusTopicPrefix,
	}

	if err := c.validateLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// randomInstanceID generates a short default instance id, "inst-"
// followed by the first 8 hex digits of a random UUID, without handing
// out a full UUID as the public identity.
func randomInstanceID() string {
	return "inst-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// validateLocked checks every structural and semantic invariant. Caller must hold mu
// for at least reading; mutations call it with the write lock held. New
// calls it without the lock, before the Config is shared.
func (c *Config) validateLocked() error {
	if len(c.streamURIs) == 0 {
		return nvrerrors.NewConfigError("validate", fmt.Errorf("stream_uris must be non-empty"))
	}
	for _, raw := range c.streamURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || (u.Host == "" && u.Path == "") {
			return nvrerrors.NewConfigError("validate", fmt.Errorf("invalid stream uri %q", raw))
		}
	}
	if len(c.streamURIs) != len(c.sourceIDMapping) {
		return nvrerrors.NewConfigError("validate", fmt.Errorf(
			"stream_uris (%d) and source_id_mapping (%d) must have equal length",
			len(c.streamURIs), len(c.sourceIDMapping)))
	}
	seen := make(map[int]struct{}, len(c.sourceIDMapping))
	for _, id := range c.sourceIDMapping {
		if _, dup := seen[id]; dup {
			return nvrerrors.NewConfigError("validate", fmt.Errorf("duplicate source id %d", id))
		}
		seen[id] = struct{}{}
	}
	if c.busPort < 1 || c.busPort > 65535 {
		return nvrerrors.NewConfigError("validate", fmt.Errorf("bus port %d out of range", c.busPort))
	}
	if c.maxFPS != nil && *c.maxFPS <= 0 {
		return nvrerrors.NewConfigError("validate", fmt.Errorf("max_fps must be positive, got %v", *c.maxFPS))
	}
	if c.metricsInterval < 0 {
		return nvrerrors.NewConfigError("validate", fmt.Errorf("metrics_interval_s must be >= 0, got %v", c.metricsInterval))
	}
	if c.confidenceThreshold < 0 || c.confidenceThreshold > 1 {
		return nvrerrors.NewConfigError("validate", fmt.Errorf("confidence_threshold must be in [0,1], got %v", c.confidenceThreshold))
	}
	return nil
}

// Validate re-checks every invariant against the current state.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

// InstanceID returns the current instance identity.
func (c *Config) InstanceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceID
}

// SetInstanceID renames the instance. Used only by rename_instance, which
// does not otherwise mutate streams, so no restart coordination is
// required.
func (c *Config) SetInstanceID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == "" {
		return nvrerrors.NewConfigError("rename_instance", fmt.Errorf("instance id must be non-empty"))
	}
	c.instanceID = id
	return nil
}

// ModelID returns the current model id.
func (c *Config) ModelID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modelID
}

// SetModelID mutates the model id, validating and rolling back on failure.
func (c *Config) SetModelID(modelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.modelID
	c.modelID = modelID
	if err := c.validateLocked(); err != nil {
		c.modelID = prev
		return err
	}
	return nil
}

// MaxFPS returns the current max_fps (nil if unlimited).
func (c *Config) MaxFPS() *float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.maxFPS == nil {
		return nil
	}
	v := *c.maxFPS
	return &v
}

// SetMaxFPS mutates max_fps, validating and rolling back on failure.
func (c *Config) SetMaxFPS(fps float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.maxFPS
	v := fps
	c.maxFPS = &v
	if err := c.validateLocked(); err != nil {
		c.maxFPS = prev
		return err
	}
	return nil
}

// AddStream appends a new source with the given external source id,
// synthesising its URI from stream_server by the {stream_server}/{source_id}
// convention. Rejects duplicate ids. Atomic: on failure the config is
// unchanged.
func (c *Config) AddStream(sourceID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.sourceIDMapping {
		if id == sourceID {
			return nvrerrors.NewConfigError("add_stream", fmt.Errorf("source id %d already present", sourceID))
		}
	}

	prevURIs := c.streamURIs
	prevMapping := c.sourceIDMapping

	c.streamURIs = append(append([]string(nil), c.streamURIs...), fmt.Sprintf("%s/%d", c.streamServer, sourceID))
	c.sourceIDMapping = append(append([]int(nil), c.sourceIDMapping...), sourceID)

	if err := c.validateLocked(); err != nil {
		c.streamURIs = prevURIs
		c.sourceIDMapping = prevMapping
		return err
	}
	return nil
}

// RemoveStream drops the source with the given external id. Rejects
// unknown ids and refuses to leave zero streams. Atomic: on failure the
// config is unchanged.
func (c *Config) RemoveStream(sourceID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, id := range c.sourceIDMapping {
		if id == sourceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nvrerrors.NewConfigError("remove_stream", fmt.Errorf("unknown source id %d", sourceID))
	}
	if len(c.sourceIDMapping) == 1 {
		return nvrerrors.NewConfigError("remove_stream", fmt.Errorf("cannot remove last stream"))
	}

	prevURIs := c.streamURIs
	prevMapping := c.sourceIDMapping

	newURIs := append([]string(nil), c.streamURIs[:idx]...)
	newURIs = append(newURIs, c.streamURIs[idx+1:]...)
	newMapping := append([]int(nil), c.sourceIDMapping[:idx]...)
	newMapping = append(newMapping, c.sourceIDMapping[idx+1:]...)

	c.streamURIs = newURIs
	c.sourceIDMapping = newMapping

	if err := c.validateLocked(); err != nil {
		c.streamURIs = prevURIs
		c.sourceIDMapping = prevMapping
		return err
	}
	return nil
}

// StreamURIs returns a defensive copy of the stream URI list.
func (c *Config) StreamURIs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.streamURIs...)
}

// SourceIDMapping returns a defensive copy of the source id mapping.
func (c *Config) SourceIDMapping() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]int(nil), c.sourceIDMapping...)
}

// ActualSourceID remaps an internal 0-based engine index to the
// externally meaningful source id.
func (c *Config) ActualSourceID(internalIndex int) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if internalIndex < 0 || internalIndex >= len(c.sourceIDMapping) {
		return 0, nvrerrors.NewConfigError("remap", fmt.Errorf("source index %d out of range", internalIndex))
	}
	return c.sourceIDMapping[internalIndex], nil
}

// DetectionTopicPrefix, QoS, MetricsTopic, MetricsIntervalSeconds,
// CommandTopic, StatusTopicPrefix, ControlPlaneEnabled, BusAddress and
// ConfidenceThreshold are simple accessors for fields read by other
// components but never mutated at runtime by a command handler.
func (c *Config) DetectionTopicPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.detectionPrefix
}

func (c *Config) QoS() byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.qos
}

func (c *Config) MetricsTopic() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metricsTopic
}

func (c *Config) MetricsIntervalSeconds() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metricsInterval
}

func (c *Config) CommandTopic() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commandTopic
}

func (c *Config) StatusTopicPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusTopicPrefix
}

func (c *Config) ControlPlaneEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enableControlPlane
}

// BusAddress returns "host:port" for the message-bus adapter to dial.
func (c *Config) BusAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.busHost, c.busPort)
}

// BusCredentials returns the configured username/password, if any.
func (c *Config) BusCredentials() (username, password string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.busUsername == nil {
		return "", "", false
	}
	u := *c.busUsername
	p := ""
	if c.busPassword != nil {
		p = *c.busPassword
	}
	return u, p, true
}

func (c *Config) ConfidenceThreshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.confidenceThreshold
}

func (c *Config) EnableWatchdog() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enableWatchdog
}

// PublicView returns the subset of Config safe to publish in status
// payloads: everything except bus credentials.
func (c *Config) PublicView() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	view := map[string]any{
		"instance_id":           c.instanceID,
		"stream_uris":           append([]string(nil), c.streamURIs...),
		"source_id_mapping":     append([]int(nil), c.sourceIDMapping...),
		"model_id":              c.modelID,
		"confidence_threshold":  c.confidenceThreshold,
		"enable_watchdog":       c.enableWatchdog,
		"detection_topic_prefix": c.detectionPrefix,
		"qos":                   c.qos,
		"metrics_topic":         c.metricsTopic,
		"metrics_interval_s":    c.metricsInterval,
		"enable_control_plane":  c.enableControlPlane,
		"command_topic":         c.commandTopic,
		"status_topic_prefix":   c.statusTopicPrefix,
	}
	if c.maxFPS != nil {
		view["max_fps"] = *c.maxFPS
	} else {
		view["max_fps"] = nil
	}
	return view
}

// Snapshot is a deep-copy value used by the rollback template (spec
// §4.6) to back up mutable fields before a reconfiguration command, and
// restore them verbatim if the command fails.
type Snapshot struct {
	streamURIs      []string
	sourceIDMapping []int
	modelID         string
	maxFPS          *float64
}

// TakeSnapshot captures the fields a reconfiguration command may mutate.
func (c *Config) TakeSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var fps *float64
	if c.maxFPS != nil {
		v := *c.maxFPS
		fps = &v
	}
	return Snapshot{
		streamURIs:      append([]string(nil), c.streamURIs...),
		sourceIDMapping: append([]int(nil), c.sourceIDMapping...),
		modelID:         c.modelID,
		maxFPS:          fps,
	}
}

// Restore rolls the config back to a previously taken snapshot.
func (c *Config) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamURIs = append([]string(nil), s.streamURIs...)
	c.sourceIDMapping = append([]int(nil), s.sourceIDMapping...)
	c.modelID = s.modelID
	c.maxFPS = s.maxFPS
}

// Equal reports whether the config's mutable fields match a snapshot,
// used by tests to verify the rollback law (spec invariant 4).
func (c *Config) Equal(s Snapshot) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.modelID != s.modelID {
		return false
	}
	if (c.maxFPS == nil) != (s.maxFPS == nil) {
		return false
	}
	if c.maxFPS != nil && *c.maxFPS != *s.maxFPS {
		return false
	}
	if len(c.streamURIs) != len(s.streamURIs) {
		return false
	}
	for i := range c.streamURIs {
		if c.streamURIs[i] != s.streamURIs[i] {
			return false
		}
	}
	if len(c.sourceIDMapping) != len(s.sourceIDMapping) {
		return false
	}
	for i := range c.sourceIDMapping {
		if c.sourceIDMapping[i] != s.sourceIDMapping[i] {
			return false
		}
	}
	return true
}
