// Package memory keeps record notifications in process, for tests and dry runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one captured publish with its JSON-encoded payload.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Publisher captures publishes. Set Err to make every publish fail.
type Publisher struct {
	Err error

	mu       sync.Mutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload the way the Pub/Sub publisher does and records it.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if p.Err != nil {
		return "", p.Err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	return id, nil
}

// Messages returns a copy of the captured publishes.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}
