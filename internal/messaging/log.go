package messaging

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Sent is a message recorded by LogBroker
type Sent struct {
	Topic string
	Key   string
	Body  []byte
}

// LogBroker logs what it is asked to send and consumes from an in-process
// channel. It backs local runs and tests.
type LogBroker struct {
	mu    sync.Mutex
	sent  []Sent
	fail  func(topic string) error
	inbox chan Message
	log   zerolog.Logger
}

func NewLogBroker(log zerolog.Logger) *LogBroker {
	return &LogBroker{inbox: make(chan Message, 64), log: log}
}

// FailWith makes Send return the error produced by fn for a topic
func (b *LogBroker) FailWith(fn func(topic string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fn
}

func (b *LogBroker) Send(ctx context.Context, topic, key string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		if err := b.fail(topic); err != nil {
			return err
		}
	}
	b.sent = append(b.sent, Sent{Topic: topic, Key: key, Body: append([]byte(nil), body...)})
	b.log.Info().Str("topic", topic).Str("key", key).RawJSON("body", body).Msg("Message published")
	return nil
}

// Sent returns a copy of everything sent so far
func (b *LogBroker) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

// Deliver queues msg for Consume
func (b *LogBroker) Deliver(msg Message) {
	b.inbox <- msg
}

func (b *LogBroker) Consume(ctx context.Context, handler HandlerFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-b.inbox:
			if err := handler(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (b *LogBroker) Close(ctx context.Context) error { return nil }

// InMemoryMessage is a Message whose settlement is recorded in place
type InMemoryMessage struct {
	Payload   []byte
	Partition string

	mu        sync.Mutex
	completed bool
	abandoned bool
}

func (m *InMemoryMessage) Body() []byte { return m.Payload }
func (m *InMemoryMessage) Key() string  { return m.Partition }

func (m *InMemoryMessage) Complete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = true
	return nil
}

func (m *InMemoryMessage) Abandon(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned = true
	return nil
}

// Settled reports whether the message was completed or abandoned
func (m *InMemoryMessage) Settled() (completed, abandoned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed, m.abandoned
}
