package control

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/cupertino-nvr/processor/internal/bus"
	"github.com/cupertino-nvr/processor/internal/commands"
	"github.com/cupertino-nvr/processor/internal/config"
	"github.com/cupertino-nvr/processor/internal/engine"
	"github.com/cupertino-nvr/processor/internal/events"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.New(config.Params{
		InstanceID:         "P",
		StreamURIs:         []string{"rtsp://h/0"},
		SourceIDMapping:    []int{0},
		StreamServer:       "rtsp://h",
		EnableControlPlane: true,
	})
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	return c
}

func newControlPlane(t *testing.T) (*ControlPlane, *config.Config, *bus.FakeMessageBus) {
	t.Helper()
	cfg := newTestConfig(t)
	b := bus.NewFakeMessageBus()

	cp := New(b, cfg, testLogger())
	reg := commands.NewRegistry(commands.Deps{
		Config:    cfg,
		Engine:    engine.NewManager(nil, nil, nil, cfg),
		Publisher: cp,
		Health:    healthFunc{status: events.StatusRunning, connected: true},
	})
	cp.SetRouter(reg)
	return cp, cfg, b
}

// healthFunc is a minimal commands.Health stand-in for tests that don't
// exercise the status/ping handlers' health fields.
type healthFunc struct {
	status    events.Status
	connected bool
}

func (h healthFunc) CurrentStatus() events.Status { return h.status }
func (h healthFunc) BusConnected() bool           { return h.connected }
func (h healthFunc) EngineRunning() bool          { return h.connected }
func (h healthFunc) ControlPlaneConnected() bool  { return h.connected }

func TestHandleMessagePingPublishesReceivedThenCompletedAck(t *testing.T) {
	cp, cfg, b := newControlPlane(t)

	payload, _ := json.Marshal(events.CommandEnvelope{Command: "ping"})
	cp.handleMessage(cfg.CommandTopic(), payload)

	acks := b.MessagesOn(events.AckTopic(cfg.StatusTopicPrefix(), cfg.InstanceID()))
	if len(acks) != 2 {
		t.Fatalf("expected exactly 2 acks (received, completed), got %d", len(acks))
	}
	var received, completed events.Acknowledgement
	if err := json.Unmarshal(acks[0].Payload, &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := json.Unmarshal(acks[1].Payload, &completed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.AckStatus != events.AckReceived {
		t.Fatalf("expected first ack to be received, got %v", received.AckStatus)
	}
	if completed.AckStatus != events.AckCompleted || completed.Message != "pong" {
		t.Fatalf("expected completed ack with pong message, got %+v", completed)
	}
}

func TestHandleMessageUnknownCommandPublishesErrorAck(t *testing.T) {
	cp, cfg, b := newControlPlane(t)

	payload, _ := json.Marshal(events.CommandEnvelope{Command: "reformat_disk"})
	cp.handleMessage(cfg.CommandTopic(), payload)

	acks := b.MessagesOn(events.AckTopic(cfg.StatusTopicPrefix(), cfg.InstanceID()))
	if len(acks) != 2 {
		t.Fatalf("expected received + error acks, got %d", len(acks))
	}
	var errAck events.Acknowledgement
	json.Unmarshal(acks[1].Payload, &errAck)
	if errAck.AckStatus != events.AckError {
		t.Fatalf("expected error ack for unknown command, got %v", errAck.AckStatus)
	}
	if errAck.Message == "" {
		t.Fatal("expected error ack message to list available commands")
	}
}

func TestHandleMessageSkipsNonMatchingTarget(t *testing.T) {
	cp, cfg, b := newControlPlane(t)

	payload, _ := json.Marshal(events.CommandEnvelope{Command: "ping", TargetInstances: []string{"other-instance"}})
	cp.handleMessage(cfg.CommandTopic(), payload)

	acks := b.MessagesOn(events.AckTopic(cfg.StatusTopicPrefix(), cfg.InstanceID()))
	if len(acks) != 0 {
		t.Fatalf("expected no acks for a non-matching target, got %d", len(acks))
	}
}

func TestHandleMessageDiscardsMalformedPayload(t *testing.T) {
	cp, cfg, b := newControlPlane(t)

	cp.handleMessage(cfg.CommandTopic(), []byte("not json"))

	acks := b.MessagesOn(events.AckTopic(cfg.StatusTopicPrefix(), cfg.InstanceID()))
	if len(acks) != 0 {
		t.Fatalf("expected no acks for malformed payload, got %d", len(acks))
	}
}

func TestPublishStatusIsRetained(t *testing.T) {
	cp, cfg, b := newControlPlane(t)
	cp.PublishStatus(events.StatusRunning, map[string]any{"k": "v"})

	msgs := b.MessagesOn(events.StatusTopic(cfg.StatusTopicPrefix(), cfg.InstanceID()))
	if len(msgs) != 1 || !msgs[0].Retain || msgs[0].QoS != 1 {
		t.Fatalf("expected one retained QoS-1 status publish, got %+v", msgs)
	}
}

func TestStartSubscribesWhenEnabled(t *testing.T) {
	cfg := newTestConfig(t)
	b := bus.NewFakeMessageBus()
	cp := New(b, cfg, testLogger())
	reg := commands.NewRegistry(commands.Deps{
		Config:    cfg,
		Engine:    engine.NewManager(nil, nil, nil, cfg),
		Publisher: cp,
		Health:    healthFunc{},
	})
	cp.SetRouter(reg)
	if err := cp.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	payload, _ := json.Marshal(events.CommandEnvelope{Command: "ping"})
	b.Deliver(cfg.CommandTopic(), payload)

	acks := b.MessagesOn(events.AckTopic(cfg.StatusTopicPrefix(), cfg.InstanceID()))
	if len(acks) != 2 {
		t.Fatalf("expected subscription to be live and process the delivered command, got %d acks", len(acks))
	}
	cp.Stop()
}
