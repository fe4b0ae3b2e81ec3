package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cupertino-nvr/processor/internal/logger"
	"github.com/cupertino-nvr/processor/internal/nvrerrors"
)

// MQTTOptions configures the production MessageBus adapter.
type MQTTOptions struct {
	Address       string // host:port
	ClientID      string
	Username      string
	Password      string
	ConnectTimeout time.Duration // default 10s
}

func (o *MQTTOptions) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
}

// MQTTBus is a MessageBus implementation over paho.mqtt.golang.
type MQTTBus struct {
	opts   MQTTOptions
	client mqtt.Client

	mu        sync.Mutex
	connected bool
}

// NewMQTTBus constructs an (unconnected) MQTTBus.
func NewMQTTBus(opts MQTTOptions) *MQTTBus {
	opts.applyDefaults()
	b := &MQTTBus{opts: opts}

	clientOpts := mqtt.NewClientOptions().
		AddBroker("tcp://" + opts.Address).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			b.mu.Lock()
			b.connected = true
			b.mu.Unlock()
			logger.Info("message bus connected", "event", "bus_connected")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.mu.Lock()
			b.connected = false
			b.mu.Unlock()
			logger.Warn("message bus connection lost", "event", "bus_disconnected", "error", err)
		})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	b.client = mqtt.NewClient(clientOpts)
	return b
}

// Connect dials the broker, retrying with exponential backoff bounded
// by the configured connect timeout and a caller-supplied context.
func (b *MQTTBus) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	defer cancel()

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	op := func() error {
		token := b.client.Connect()
		if !token.WaitTimeout(b.opts.ConnectTimeout) {
			return fmt.Errorf("connect: timed out waiting for broker handshake")
		}
		if err := token.Error(); err != nil {
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		if ctx.Err() != nil {
			return nvrerrors.NewTimeoutError("bus.connect", b.opts.ConnectTimeout, err)
		}
		return fmt.Errorf("bus connect: %w", err)
	}
	return nil
}

// Disconnect tears down the connection. Idempotent.
func (b *MQTTBus) Disconnect() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
}

// Connected reports the last-observed connection state.
func (b *MQTTBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Publish sends payload to topic, waits for the client's publish token,
// and returns the client's error unchanged.
func (b *MQTTBus) Publish(topic string, qos byte, retain bool, payload []byte) error {
	token := b.client.Publish(topic, qos, retain, payload)
	token.Wait()
	return token.Error()
}

// Subscribe registers handler for topic, adapting paho's
// (client, Message) callback signature to the narrower MessageBus one.
func (b *MQTTBus) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := b.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Unsubscribe removes a prior subscription.
func (b *MQTTBus) Unsubscribe(topic string) error {
	token := b.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}
