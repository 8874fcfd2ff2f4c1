// Package memory keeps job notifications in process so publisher sinks can
// be exercised without Pub/Sub.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message is one accepted publish.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher records notifications in arrival order.
type Publisher struct {
	mu      sync.Mutex
	seq     int
	log     []Message
	failure error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes later publishes return err until it is called with nil.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.failure = err
	p.mu.Unlock()
}

// Publish appends the notification and returns its sequence-based ID.
// Rejected publishes leave no record and do not consume an ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return "", p.failure
	}
	p.seq++
	msg := Message{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Payload: payload}
	p.log = append(p.log, msg)
	return msg.ID, nil
}

// Messages returns a snapshot of everything published so far.
func (p *Publisher) Messages() []Message {
	return p.filter(func(Message) bool { return true })
}

// OnTopic returns the snapshot restricted to one topic.
func (p *Publisher) OnTopic(topic string) []Message {
	return p.filter(func(m Message) bool { return m.Topic == topic })
}

func (p *Publisher) filter(keep func(Message) bool) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, 0, len(p.log))
	for _, m := range p.log {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}
