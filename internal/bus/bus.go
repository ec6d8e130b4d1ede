// Package bus is the publish/subscribe abstraction every component uses to
// talk to shuttles and lifters. The concrete broker (MQTT or otherwise) is
// out of this core's scope; this package defines the interface plus a
// log-backed stub for the edge before a real broker is wired in.
package bus

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Event is one message observed on the bus.
type Event struct {
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler processes one delivered event.
type Handler func(event Event)

// Subscription can be cancelled.
type Subscription interface {
	Unsubscribe()
}

// ShuttleBus is the publish/subscribe surface every orchestration
// component depends on: mission/command publish to shuttles and lifters,
// and event/telemetry subscriptions consumed by the Event Listener.
type ShuttleBus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, handler Handler) (Subscription, error)
	Close() error
}

// LogBus logs every publish and never delivers anything to a subscriber;
// it is the thin edge before a real broker client is wired in, the way
// the teacher's LogPublisher stands in for its streaming layer.
type LogBus struct {
	logger *log.Logger
}

// NewLogBus returns a log-backed bus using the default logger.
func NewLogBus() *LogBus {
	return &LogBus{logger: log.Default()}
}

func (b *LogBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.logger.Printf("[BUS] PUBLISH %s: %s", topic, string(data))
	return nil
}

func (b *LogBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.logger.Printf("[BUS] SUBSCRIBE %s (no broker wired, no events will be delivered)", topic)
	return noopSubscription{}, nil
}

func (b *LogBus) Close() error {
	b.logger.Println("[BUS] closed")
	return nil
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

// InMemoryBus is a test/local-dev fake that actually delivers published
// events to matching subscribers, synchronously, in publish order.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]*inMemorySub
}

type inMemorySub struct {
	topic   string
	handler Handler
	bus     *InMemoryBus
}

func (s *inMemorySub) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.topic]
	for i, sub := range list {
		if sub == s {
			s.bus.subs[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// NewInMemoryBus returns an empty in-process bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]*inMemorySub)}
}

func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{Topic: topic, Payload: data, Timestamp: time.Now()}

	b.mu.RLock()
	handlers := make([]Handler, len(b.subs[topic]))
	for i, s := range b.subs[topic] {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (b *InMemoryBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &inMemorySub{topic: topic, handler: handler, bus: b}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

func (b *InMemoryBus) Close() error { return nil }

// PublishedMessages returns every message sent to a given topic, decoded
// from JSON into dst's element type, for test assertions.
func Decode[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
