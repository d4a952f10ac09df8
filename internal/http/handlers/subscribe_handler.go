// Subscription HTTP handler.
//
// GET /conversations/{id}/events upgrades to a websocket and streams
// change events (new/edited/deleted messages, reaction updates) for one
// conversation. The stream is the push half of the sync protocol: clients
// apply every event through an idempotent cache merge, so duplicate or
// replayed events are harmless.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/rfletes45/snapstyle-sync/internal/http/middleware"
)

// pingInterval keeps intermediaries from idling out quiet conversations.
const pingInterval = 30 * time.Second

// SubscribeEvents godoc
// @ID          subscribeEvents
// @Summary     Stream conversation change events
// @Description Upgrades to a websocket delivering JSON-encoded events.
// @Tags        Subscriptions
// @Param       X-User-ID  header  string  true  "Subscriber user ID"
// @Param       id         path    string  true  "Conversation ID"
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /conversations/{id}/events [get]
func (h *Handlers) SubscribeEvents(c *gin.Context) {
	conversationID := c.Param("id")

	caller, okID := callerID(c)
	if !okID {
		return
	}

	// Membership check before the upgrade; non-members get the JSON error
	// envelope, not a websocket close frame.
	if err := h.Ingest.AuthorizeSubscriber(c.Request.Context(), conversationID, caller); err != nil {
		failService(c, err)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		// Accept already wrote the handshake failure.
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	lg := middleware.LoggerFrom(c)
	events, cancel := h.Hub.Subscribe(conversationID)
	defer cancel()

	ctx := c.Request.Context()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case ev, more := <-events:
			if !more {
				// Dropped by the hub for falling behind; the client's
				// reconnect path reconciles whatever it missed.
				conn.Close(websocket.StatusTryAgainLater, "subscriber lagged")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				lg.Debug().Err(err).Str("conversation_id", conversationID).
					Msg("event write failed; closing stream")
				return
			}
		}
	}
}
