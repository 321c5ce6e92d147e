// events.go stores reconnect lifecycle events in a per-peer ring buffer
// (100 entries) for the dashboard's reconnect history view. This complements
// the durable ReconnectAttempt row, which holds only the current state.

package reconnect

import (
	"sync"
	"time"
)

// eventBufferSize is the maximum number of events stored per peer.
const eventBufferSize = 100

// EventType classifies a reconnect lifecycle event.
type EventType string

const (
	EventTriggered EventType = "triggered"
	EventAttempt   EventType = "attempt"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventExhausted EventType = "exhausted"
	EventCleared   EventType = "cleared"
)

// Event is one reconnect lifecycle event for a peer.
type Event struct {
	PeerID    uint      `json:"peer_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// eventBuffer is a fixed-size ring buffer of Events for one peer.
type eventBuffer struct {
	events [eventBufferSize]Event
	head   int // next write position
	count  int // total entries written (capped at buffer size for reads)
}

func (b *eventBuffer) record(ev Event) {
	b.events[b.head] = ev
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

// history returns events in chronological order (oldest first).
func (b *eventBuffer) history() []Event {
	if b.count == 0 {
		return nil
	}
	result := make([]Event, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		// Buffer is full, so head is the oldest entry.
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

// eventLog manages per-peer event ring buffers.
type eventLog struct {
	mu      sync.RWMutex
	buffers map[uint]*eventBuffer
}

func newEventLog() *eventLog {
	return &eventLog{buffers: make(map[uint]*eventBuffer)}
}

func (el *eventLog) record(ev Event) {
	el.mu.Lock()
	defer el.mu.Unlock()
	buf, ok := el.buffers[ev.PeerID]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[ev.PeerID] = buf
	}
	buf.record(ev)
}

func (el *eventLog) history(peerID uint) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	buf, ok := el.buffers[peerID]
	if !ok {
		return nil
	}
	return buf.history()
}
