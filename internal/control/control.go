// Package control implements the MQTT control plane: it subscribes to
// the shared command topic, filters by target instance, drives the
// three-phase acknowledgement lifecycle around each command handler
// invocation, and publishes status/metrics reports on the instance's
// own topics.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cupertino-nvr/processor/internal/bus"
	"github.com/cupertino-nvr/processor/internal/commands"
	"github.com/cupertino-nvr/processor/internal/config"
	"github.com/cupertino-nvr/processor/internal/events"
	"github.com/cupertino-nvr/processor/internal/logger"
)

// ControlPlane owns the command subscription and the ack/status/metrics
// publish paths. It implements commands.Publisher so handlers can reach
// back into it without the commands package importing control.
type ControlPlane struct {
	bus        bus.MessageBus
	cfg        *config.Config
	log        *slog.Logger
	router     *commands.Registry
	subscribed atomic.Bool
}

// New constructs a ControlPlane without a router bound yet: the
// Registry's handlers close over this ControlPlane as their Publisher,
// so the router can only be built afterwards. Call SetRouter before
// Start.
func New(b bus.MessageBus, cfg *config.Config, log *slog.Logger) *ControlPlane {
	return &ControlPlane{bus: b, cfg: cfg, log: log}
}

// SetRouter binds the command registry. Must be called before Start.
func (cp *ControlPlane) SetRouter(router *commands.Registry) {
	cp.router = router
}

// Start subscribes to the command topic at QoS 1, if the control plane
// is enabled; otherwise it's a no-op, a deliberate configuration rather
// than an error.
func (cp *ControlPlane) Start() error {
	if !cp.cfg.ControlPlaneEnabled() {
		cp.log.Info("control plane disabled", "event", "control_plane_disabled")
		return nil
	}
	topic := cp.cfg.CommandTopic()
	if err := cp.bus.Subscribe(topic, 1, cp.handleMessage); err != nil {
		return err
	}
	cp.subscribed.Store(true)
	cp.log.Info("control plane started", "event", "control_plane_started", "topic", topic)
	return nil
}

// Stop unsubscribes from the command topic. Safe to call even if Start
// never subscribed.
func (cp *ControlPlane) Stop() {
	if !cp.cfg.ControlPlaneEnabled() {
		return
	}
	cp.subscribed.Store(false)
	_ = cp.bus.Unsubscribe(cp.cfg.CommandTopic())
}

// Connected reports whether the control plane is currently subscribed
// to the command topic and the underlying bus is up — the
// "control-plane-connected" flag reported by the status/ping handlers.
func (cp *ControlPlane) Connected() bool {
	return cp.subscribed.Load() && cp.bus.Connected()
}

// handleMessage is the paho callback: decode, target-filter, ack
// "received", dispatch (or ack "error" for an unknown command), then ack
// the terminal status. Exactly one received ack and one terminal ack are
// published per matched envelope (invariant 3); envelopes that fail to
// decode or that don't target this instance produce none at all.
func (cp *ControlPlane) handleMessage(topic string, payload []byte) {
	var env events.CommandEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		cp.log.Warn("discarding malformed command envelope", "event", "command_decode_error", "error", err)
		return
	}

	instanceID := cp.cfg.InstanceID()
	if !env.Matches(instanceID) {
		return
	}

	log := logger.WithCommand(cp.log, env.Command, env.TargetInstances)

	cp.publishAck(env.Command, events.AckReceived, "")

	handler, ok := cp.router.Lookup(env.Command)
	if !ok {
		msg := "unknown command; available: " + strings.Join(cp.router.Names(), ", ")
		log.Warn("unknown command", "event", "command_unknown")
		cp.publishAck(env.Command, events.AckError, msg)
		return
	}

	log.Debug("executing command", "event", "command_executing", "ack_status", events.AckExecuting)
	message, err := handler(context.Background(), env.Params)
	if err != nil {
		log.Error("command failed", "event", "command_error", "error", err)
		cp.publishAck(env.Command, events.AckError, err.Error())
		return
	}
	cp.publishAck(env.Command, events.AckCompleted, message)
}

func (cp *ControlPlane) publishAck(command string, status events.AckStatus, message string) {
	ack := events.Acknowledgement{
		InstanceID: cp.cfg.InstanceID(),
		Command:    command,
		AckStatus:  status,
		Timestamp:  time.Now(),
		Message:    message,
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		cp.log.Error("failed to marshal acknowledgement", "error", err)
		return
	}
	topic := events.AckTopic(cp.cfg.StatusTopicPrefix(), cp.cfg.InstanceID())
	if err := cp.bus.Publish(topic, 1, false, payload); err != nil {
		cp.log.Warn("failed to publish acknowledgement", "topic", topic, "error", err)
	}
}

// PublishStatus implements commands.Publisher: publishes a retained
// status event merging extra into the flattened payload.
func (cp *ControlPlane) PublishStatus(status events.Status, extra map[string]any) {
	ev := events.StatusEvent{
		InstanceID: cp.cfg.InstanceID(),
		Status:     status,
		Timestamp:  time.Now(),
		Extra:      extra,
	}
	payload, err := json.Marshal(ev.MarshalMap())
	if err != nil {
		cp.log.Error("failed to marshal status event", "error", err)
		return
	}
	topic := events.StatusTopic(cp.cfg.StatusTopicPrefix(), cp.cfg.InstanceID())
	if err := cp.bus.Publish(topic, 1, true, payload); err != nil {
		cp.log.Warn("failed to publish status", "topic", topic, "error", err)
	}
}

// PublishMetrics implements commands.Publisher: publishes the on-demand
// full metrics report, non-retained, to the instance's metrics topic.
func (cp *ControlPlane) PublishMetrics(report map[string]any) {
	payload, err := json.Marshal(report)
	if err != nil {
		cp.log.Error("failed to marshal metrics report", "error", err)
		return
	}
	topic := events.FullMetricsTopic(cp.cfg.StatusTopicPrefix(), cp.cfg.InstanceID())
	if err := cp.bus.Publish(topic, 0, false, payload); err != nil {
		cp.log.Warn("failed to publish metrics report", "topic", topic, "error", err)
	}
}
