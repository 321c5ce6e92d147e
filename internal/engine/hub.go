// hub.go is the in-process fan-out for engine events (verdict transitions,
// endpoint changes, reconnect activity) consumed by the websocket stream.

package engine

import (
	"sync"
	"time"
)

// Envelope is one engine event as published to subscribers.
type Envelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Event type tags carried in Envelope.Type.
const (
	EventTransition     = "transition"
	EventEndpointChange = "endpoint_change"
	EventReconnect      = "reconnect"
)

// Hub fans engine events out to subscribers. Slow subscribers drop events
// rather than block the monitoring cycles.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Envelope]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Envelope]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called when the subscriber goes away.
func (h *Hub) Subscribe() (<-chan Envelope, func()) {
	ch := make(chan Envelope, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an envelope to every subscriber without blocking.
func (h *Hub) Publish(eventType string, payload interface{}) {
	env := Envelope{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- env:
		default:
			// Subscriber is not keeping up; drop rather than stall.
		}
	}
}
