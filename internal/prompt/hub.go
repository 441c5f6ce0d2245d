package prompt

import "sync"

// EventType names a prompt lifecycle event.
type EventType string

const (
	EventOpened  EventType = "prompt.opened"
	EventClosed  EventType = "prompt.closed"
	EventSkipped EventType = "prompt.skipped"
)

// Event is broadcast to subscribers whenever a prompt changes.
type Event struct {
	Type    EventType `json:"type"`
	Prompt  Prompt    `json:"prompt"`
	Payload *Payload  `json:"payload,omitempty"`
}

const subscriberBuffer = 16

// Hub fans events out to subscribers. A subscriber that falls behind loses
// events rather than blocking the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new listener. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
