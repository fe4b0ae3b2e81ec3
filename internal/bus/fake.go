package bus

import (
	"context"
	"sync"
)

// PublishedMessage records one Publish call observed by FakeMessageBus,
// used by tests to assert on topic invariants and ack/status ordering.
type PublishedMessage struct {
	Topic   string
	QoS     byte
	Retain  bool
	Payload []byte
}

// FakeMessageBus is an in-process MessageBus double: no network, all
// publishes recorded in order, subscriptions deliverable by tests via
// Deliver, standing in for a real network transport.
type FakeMessageBus struct {
	mu            sync.Mutex
	connected     bool
	Published     []PublishedMessage
	subscriptions map[string]func(topic string, payload []byte)

	// ConnectErr, if set, is returned by Connect instead of succeeding.
	ConnectErr error
}

// NewFakeMessageBus constructs an unconnected fake bus.
func NewFakeMessageBus() *FakeMessageBus {
	return &FakeMessageBus{subscriptions: make(map[string]func(string, []byte))}
}

func (f *FakeMessageBus) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	return nil
}

func (f *FakeMessageBus) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *FakeMessageBus) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeMessageBus) Publish(topic string, qos byte, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), payload...)
	f.Published = append(f.Published, PublishedMessage{Topic: topic, QoS: qos, Retain: retain, Payload: cp})
	return nil
}

func (f *FakeMessageBus) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[topic] = handler
	return nil
}

func (f *FakeMessageBus) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscriptions, topic)
	return nil
}

// Deliver simulates an inbound message arriving on topic, invoking the
// registered handler synchronously on the calling goroutine — matching
// the serialized, one-at-a-time control-plane callback contract.
func (f *FakeMessageBus) Deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.subscriptions[topic]
	f.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

// MessagesOn returns every published message to topic, in publish order.
func (f *FakeMessageBus) MessagesOn(topic string) []PublishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PublishedMessage
	for _, m := range f.Published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
