// Package events is a small in-process pub/sub bus for operational events:
// provider health transitions, budget alerts, cache activity. The admin SSE
// endpoint subscribes to it.
package events

import (
	"sync"
	"time"
)

// Event types published by the gateway.
const (
	TypeProviderHealthy   = "provider.healthy"
	TypeProviderUnhealthy = "provider.unhealthy"
	TypeBudgetAlert       = "budget.alert"
	TypeBudgetExceeded    = "budget.exceeded"
	TypeFallbackUsed      = "routing.fallback"
)

// Event is one operational occurrence.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers. Slow subscribers lose events rather
// than blocking publishers.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

// NewBus creates a Bus whose subscriber channels hold up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(eventType string, data map[string]any) {
	ev := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
