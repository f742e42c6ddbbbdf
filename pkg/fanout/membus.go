package fanout

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus. Each subscriber gets a buffered channel;
// Publish blocks while a subscriber's buffer is full.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[chan string]struct{}
	buffer int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan string]struct{}), buffer: 256}
}

func (m *MemoryBus) Publish(ctx context.Context, topic string, msg string) error {
	m.mu.Lock()
	targets := make([]chan string, 0, len(m.subs[topic]))
	for ch := range m.subs[topic] {
		targets = append(targets, ch)
	}
	m.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryBus) Subscribe(_ context.Context, topic string) (<-chan string, func() error, error) {
	ch := make(chan string, m.buffer)
	m.mu.Lock()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[chan string]struct{})
	}
	m.subs[topic][ch] = struct{}{}
	m.mu.Unlock()
	var once sync.Once
	return ch, func() error {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[topic], ch)
			m.mu.Unlock()
		})
		return nil
	}, nil
}
