package broker

import (
	"context"
	"sync"
)

// Memory is an in-process Client. Publishes are delivered synchronously to
// exact-topic subscribers and recorded for inspection.
type Memory struct {
	mu        sync.Mutex
	subs      map[string][]Handler
	published []Message
	failSub   map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		subs:    make(map[string][]Handler),
		failSub: make(map[string]error),
	}
}

// FailSubscribe makes subscriptions to topic return err.
func (m *Memory) FailSubscribe(topic string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSub[topic] = err
}

func (m *Memory) Subscribe(_ context.Context, topic string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failSub[topic]; err != nil {
		return err
	}
	m.subs[topic] = append(m.subs[topic], h)
	return nil
}

func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	m.mu.Lock()
	m.published = append(m.published, msg)
	handlers := append([]Handler(nil), m.subs[topic]...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// Published returns a copy of every message published so far.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}

// Topics lists subscribed topics.
func (m *Memory) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for t := range m.subs {
		out = append(out, t)
	}
	return out
}

func (m *Memory) IsConnected() bool { return true }

func (m *Memory) Close() error { return nil }
