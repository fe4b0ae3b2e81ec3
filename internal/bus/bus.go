// Package bus defines the MessageBus capability the processor core
// consumes from an MQTT-class transport, and a production adapter over
// paho.mqtt.golang.
package bus

import "context"

// MessageBus is the narrow capability set the core needs from the
// transport: connect, publish with QoS and retain, and subscribe. Real
// implementations wrap a concrete client; test implementations are
// fakes. The core never sees vendor-specific error-code vocabularies —
// adapters translate at the boundary.
type MessageBus interface {
	// Connect dials the broker, retrying internally per the adapter's
	// policy, and blocks until connected or ctx is done.
	Connect(ctx context.Context) error
	// Disconnect tears down the connection. Idempotent.
	Disconnect()
	// Connected reports whether the bus currently believes it is connected.
	Connected() bool
	// Publish sends payload to topic at the given QoS, retained or not.
	Publish(topic string, qos byte, retain bool, payload []byte) error
	// Subscribe registers handler for topic at the given QoS. Only one
	// handler may be registered per topic; handlers for a single client
	// are invoked serially, never concurrently with each other.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	// Unsubscribe removes a prior subscription.
	Unsubscribe(topic string) error
}
