// Package pubsub provides the in-process change-event hub that connects the
// ingestion service to subscription streams. Every successful mutation is
// published per conversation; the subscribe endpoint fans events out to
// connected clients, which feed them into their local caches.
//
// Delivery is best-effort push: a subscriber that cannot keep up is dropped
// rather than allowed to block ingestion. Clients recover missed events
// through their normal reconnect + reconciliation path.
package pubsub

import (
	"sync"

	"github.com/rfletes45/snapstyle-sync/internal/domain"
)

// Event types pushed to subscribers.
const (
	EventMessageNew      = "message.new"
	EventMessageEdited   = "message.edited"
	EventMessageDeleted  = "message.deleted"
	EventReactionUpdated = "reaction.updated"
)

// Event is one server-side change, scoped to a conversation. Message carries
// the full canonical record for new/edited/deleted events; Summary carries
// the denormalized reaction map for reaction events.
type Event struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	Message        *domain.Message `json:"message,omitempty"`
	Summary        map[string]any  `json:"summary,omitempty"`
}

// subscriber is one registered event channel and its conversation filter.
type subscriber struct {
	conversationID string
	ch             chan Event
}

// Hub is a per-conversation fan-out of change events. Safe for concurrent use.
type Hub struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
	buf  int
}

// NewHub constructs a Hub whose subscriber channels buffer up to buf events.
// Values <= 0 are coerced to 16.
func NewHub(buf int) *Hub {
	if buf <= 0 {
		buf = 16
	}
	return &Hub{subs: make(map[int]*subscriber), buf: buf}
}

// Subscribe registers interest in one conversation's events and returns the
// event channel plus a cancel function. The channel is closed on cancel or
// when the subscriber is dropped for falling behind.
func (h *Hub) Subscribe(conversationID string) (<-chan Event, func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	s := &subscriber{conversationID: conversationID, ch: make(chan Event, h.buf)}
	h.subs[id] = s
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if cur, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(cur.ch)
		}
		h.mu.Unlock()
	}
	return s.ch, cancel
}

// Publish delivers ev to every subscriber of its conversation. Subscribers
// whose buffers are full are dropped and their channels closed.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		if s.conversationID != ev.ConversationID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			delete(h.subs, id)
			close(s.ch)
		}
	}
}

// Len reports the number of live subscribers (all conversations).
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
