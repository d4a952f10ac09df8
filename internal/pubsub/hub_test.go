package pubsub

import (
	"testing"

	"github.com/rfletes45/snapstyle-sync/internal/domain"
)

func TestHub_FanOutPerConversation(t *testing.T) {
	h := NewHub(4)

	chA, cancelA := h.Subscribe("c1")
	defer cancelA()
	chB, cancelB := h.Subscribe("c2")
	defer cancelB()

	h.Publish(Event{Type: EventMessageNew, ConversationID: "c1", MessageID: "m1", Message: &domain.Message{ID: "m1"}})

	select {
	case ev := <-chA:
		if ev.MessageID != "m1" || ev.Type != EventMessageNew {
			t.Fatalf("wrong event: %+v", ev)
		}
	default:
		t.Fatalf("subscriber for c1 received nothing")
	}
	select {
	case ev := <-chB:
		t.Fatalf("c2 subscriber leaked event: %+v", ev)
	default:
	}
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe("c1")
	cancel()

	if _, open := <-ch; open {
		t.Fatalf("channel still open after cancel")
	}
	if h.Len() != 0 {
		t.Fatalf("subscriber not removed: %d", h.Len())
	}
	// Double cancel is safe.
	cancel()
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("c1")
	defer cancel()

	h.Publish(Event{Type: EventMessageNew, ConversationID: "c1", MessageID: "m1"})
	// Second publish finds the buffer full; the subscriber is dropped.
	h.Publish(Event{Type: EventMessageNew, ConversationID: "c1", MessageID: "m2"})

	if h.Len() != 0 {
		t.Fatalf("slow subscriber kept: %d", h.Len())
	}

	ev, open := <-ch
	if !open || ev.MessageID != "m1" {
		t.Fatalf("buffered event lost: %+v open=%v", ev, open)
	}
	if _, open := <-ch; open {
		t.Fatalf("channel not closed after drop")
	}
}
