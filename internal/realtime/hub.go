// Package realtime delivers order change notifications to live admin
// observers. Delivery is at-least-once with no ordering guarantee across
// distinct orders; payloads carry only the order id, so observers re-fetch
// current state instead of trusting deltas.
package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Op describes what happened to the order row.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// Event is a change notification for a single order.
type Event struct {
	OrderID string `json:"order_id"`
	Op      Op     `json:"op"`
}

// Hub is the in-process subscriber registry. Publish never blocks: a
// subscriber whose buffer is full misses the event, which is safe because
// observers re-fetch on every notification anyway.
type Hub struct {
	lg *zap.Logger

	mu   sync.Mutex
	subs map[uint64]chan Event
	next uint64
}

// NewHub creates an empty hub.
func NewHub(lg *zap.Logger) *Hub {
	return &Hub{lg: lg, subs: make(map[uint64]chan Event)}
}

// Subscribe registers an observer and returns its event channel plus an
// unsubscribe func. Unsubscribing closes the channel; it is safe to call
// more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish fans the event out to all current subscribers without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.lg.Debug("dropping event for slow subscriber",
				zap.Uint64("subscriber", id),
				zap.String("order_id", ev.OrderID))
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
