// Package memory keeps published record events in process. It encodes payloads
// the same way the Pub/Sub publisher does, so local runs surface marshal
// failures too.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// DefaultRetain bounds how many messages a Publisher keeps.
const DefaultRetain = 1000

// Message is one recorded publish.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Publisher implements crawler.Publisher in memory. Only the newest Retain
// messages are kept.
type Publisher struct {
	mu       sync.RWMutex
	retain   int
	seq      int
	messages []Message
}

// New returns a Publisher retaining DefaultRetain messages.
func New() *Publisher {
	return NewWithRetain(DefaultRetain)
}

// NewWithRetain returns a Publisher keeping at most retain messages.
func NewWithRetain(retain int) *Publisher {
	if retain < 1 {
		retain = DefaultRetain
	}
	return &Publisher{retain: retain}
}

// Publish encodes payload as JSON and records it under a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	if over := len(p.messages) - p.retain; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
	}
	return id, nil
}

// Decode returns the JSON objects published to topic, oldest first.
func (p *Publisher) Decode(topic string) ([]map[string]any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []map[string]any
	for _, m := range p.messages {
		if m.Topic != topic {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(m.Data, &obj); err != nil {
			return nil, fmt.Errorf("decode %s: %w", m.ID, err)
		}
		out = append(out, obj)
	}
	return out, nil
}

// Messages returns a copy of the retained messages.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
