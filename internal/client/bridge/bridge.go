// Package bridge consumes the server's per-conversation event stream over a
// websocket and folds every event into the Local Message Cache. The cache is
// the single source the UI reads, so remote activity becomes visible the same
// way local sends do.
package bridge

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/rfletes45/snapstyle-sync/internal/client/cache"
	"github.com/rfletes45/snapstyle-sync/internal/domain"
)

// Reconnect policy. Jittered exponential backoff keeps a fleet of clients
// from stampeding the server after an outage.
const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Event mirrors the server's push frame.
type Event struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id,omitempty"`
	Message        *domain.Message `json:"message,omitempty"`
	Summary        map[string]any  `json:"summary,omitempty"`
}

// Event types, matching the hub's vocabulary.
const (
	EventMessageNew      = "message.new"
	EventMessageEdited   = "message.edited"
	EventMessageDeleted  = "message.deleted"
	EventReactionUpdated = "reaction.updated"
)

// Notifier receives a callback after each applied event. Used by the UI layer
// to invalidate views; may be nil.
type Notifier func(Event)

// Bridge maintains one subscription per conversation it is asked to follow.
type Bridge struct {
	baseURL string
	userID  string
	cache   *cache.Cache
	log     zerolog.Logger
	notify  Notifier
}

// New builds a Bridge writing into c.
func New(baseURL, userID string, c *cache.Cache, log zerolog.Logger, notify Notifier) *Bridge {
	return &Bridge{
		baseURL: baseURL,
		userID:  userID,
		cache:   c,
		log:     log.With().Str("component", "subscription-bridge").Logger(),
		notify:  notify,
	}
}

// Follow subscribes to one conversation's event stream and keeps the
// subscription alive until ctx is canceled, reconnecting with jittered
// backoff. Events missed during a gap are reconciled by the next history
// fetch; the bridge only has to stay convergent, not lossless.
func (b *Bridge) Follow(ctx context.Context, conversationID string) {
	attempt := 0
	for ctx.Err() == nil {
		err := b.consume(ctx, conversationID)
		if ctx.Err() != nil {
			return
		}
		attempt++
		delay := reconnectDelay(attempt)
		b.log.Warn().
			Err(err).
			Str("conversation_id", conversationID).
			Dur("retry_in", delay).
			Msg("subscription dropped")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consume runs one websocket session. Returns when the socket drops or ctx
// is canceled.
func (b *Bridge) consume(ctx context.Context, conversationID string) error {
	url := b.baseURL + "/api/v1/conversations/" + conversationID + "/events"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"X-User-ID": {b.userID}},
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	b.log.Info().Str("conversation_id", conversationID).Msg("subscribed")

	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		if err := b.apply(ev); err != nil {
			b.log.Error().Err(err).Str("type", ev.Type).Str("message_id", ev.MessageID).Msg("apply event")
			continue
		}
		if b.notify != nil {
			b.notify(ev)
		}
	}
}

// apply folds one event into the cache. All paths are idempotent merges, so
// an event replayed after a reconnect is harmless.
func (b *Bridge) apply(ev Event) error {
	switch ev.Type {
	case EventMessageNew, EventMessageEdited, EventMessageDeleted:
		if ev.Message == nil {
			return nil
		}
		return b.cache.UpsertFromRemote(ev.Message)
	case EventReactionUpdated:
		if ev.Message != nil {
			return b.cache.UpsertFromRemote(ev.Message)
		}
		return b.cache.ApplyReactionSummary(ev.MessageID, ev.Summary)
	default:
		b.log.Debug().Str("type", ev.Type).Msg("ignoring unknown event type")
		return nil
	}
}

// Backfill pages conversation history into the cache, newest page last. Used
// on cold start and after long offline gaps.
func (b *Bridge) Backfill(ctx context.Context, lister Lister, conversationID string, pageSize int) error {
	for page := 1; ; page++ {
		msgs, err := lister.ListPage(ctx, conversationID, page, pageSize)
		if err != nil {
			return err
		}
		for i := range msgs {
			if err := b.cache.UpsertFromRemote(&msgs[i]); err != nil {
				return err
			}
		}
		if len(msgs) < pageSize {
			return nil
		}
	}
}

// Lister is the slice of the transport Backfill needs.
type Lister interface {
	ListPage(ctx context.Context, conversationID string, page, pageSize int) ([]domain.Message, error)
}

func reconnectDelay(attempt int) time.Duration {
	d := reconnectBase << uint(attempt-1)
	if d > reconnectMax || d <= 0 {
		d = reconnectMax
	}
	// up to 25% jitter
	j := time.Duration(rand.Int63n(int64(d) / 4))
	return d + j
}
