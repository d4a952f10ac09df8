// Message HTTP handlers.
//
// This file exposes the ingestion endpoints the sync client drives:
//   - POST   /conversations/{id}/messages        (idempotent create)
//   - PATCH  /messages/{id}                      (sender edit)
//   - DELETE /messages/{id}                      (delete-for-all)
//   - GET    /conversations/{id}/messages        (paginated history)
//
// Handlers are transport-thin: they validate and normalize inputs, resolve
// the caller identity from the X-User-ID header (set by the auth
// collaborator), and delegate to the IngestionService. The create response
// carries the is_existing flag so retrying clients can distinguish a fresh
// write from an idempotent replay.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rfletes45/snapstyle-sync/internal/domain"
	"github.com/rfletes45/snapstyle-sync/internal/pubsub"
	"github.com/rfletes45/snapstyle-sync/internal/services"
	"github.com/rfletes45/snapstyle-sync/internal/utils"
)

// Handlers bundles the dependencies shared by all endpoint methods.
type Handlers struct {
	Ingest *services.IngestionService
	Hub    *pubsub.Hub
}

// New constructs the handler set.
func New(ingest *services.IngestionService, hub *pubsub.Hub) *Handlers {
	return &Handlers{Ingest: ingest, Hub: hub}
}

// callerID resolves the authenticated user from the X-User-ID header.
// Authentication itself is an external collaborator; an empty identity is
// rejected before any business logic runs.
func callerID(c *gin.Context) (string, bool) {
	uid := strings.TrimSpace(c.GetHeader("X-User-ID"))
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodePermissionDenied, "X-User-ID header required")
		return "", false
	}
	return uid, true
}

//
// DTOs
//

// CreateMessageRequest is the JSON payload for the idempotent create.
// MessageID is the client-generated identity and idempotency key.
type CreateMessageRequest struct {
	MessageID   string    `json:"message_id" binding:"required"`
	Scope       string    `json:"scope" binding:"required"`
	PeerID      string    `json:"peer_id,omitempty"`
	Kind        string    `json:"kind" binding:"required"`
	Body        string    `json:"body"`
	ReplyToID   string    `json:"reply_to_id,omitempty"`
	Mentions    []string  `json:"mentions,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	ClientTime  time.Time `json:"client_time"`
}

// CreateMessageResponse wraps the canonical stored record plus the
// idempotency flag.
type CreateMessageResponse struct {
	Message    *domain.Message `json:"message"`
	IsExisting bool            `json:"is_existing"`
}

// EditMessageRequest is the JSON payload for a sender edit.
type EditMessageRequest struct {
	Body string `json:"body" binding:"required,min=1"`
}

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// Pagination is the standard page envelope.
type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 200
	)
	page = utils.ParseBounded(c.Query("page"), defaultPage, 1, 0)
	pageSize = utils.ParseBounded(c.Query("page_size"), defaultPageSize, 1, maxPageSize)
	return
}

//
// Handlers
//

// CreateMessage godoc
// @ID          createMessage
// @Summary     Ingest a message (idempotent)
// @Description Writes the message under its client-generated id. Submitting
// @Description the same id again returns the stored record with is_existing=true.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Sender user ID"
// @Param       id         path    string  true  "Conversation ID"
// @Param       body       body    handlers.CreateMessageRequest  true  "Message payload"
// @Success     200  {object}  handlers.CreateMessageResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     429  {object}  handlers.ErrorResponse
// @Router      /conversations/{id}/messages [post]
func (h *Handlers) CreateMessage(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID := c.Param("id")

	sender, okID := callerID(c)
	if !okID {
		return
	}

	var req CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidArgument, "message_id, scope, and kind are required")
		return
	}

	msg, existing, err := h.Ingest.CreateMessage(ctx, services.CreateRequest{
		MessageID:      req.MessageID,
		ConversationID: conversationID,
		Scope:          req.Scope,
		SenderID:       sender,
		PeerID:         req.PeerID,
		Kind:           req.Kind,
		Body:           req.Body,
		ReplyToID:      req.ReplyToID,
		Mentions:       req.Mentions,
		Attachments:    req.Attachments,
		ClientTime:     req.ClientTime,
	})
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, CreateMessageResponse{Message: msg, IsExisting: existing})
}

// EditMessage godoc
// @ID          editMessage
// @Summary     Edit a text message
// @Description Sender-only, text-only, within the edit window, never after deletion.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Editor user ID"
// @Param       id         path    string  true  "Message ID"
// @Param       body       body    handlers.EditMessageRequest  true  "New body"
// @Success     200  {object}  handlers.CreateMessageResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     409  {object}  handlers.ErrorResponse
// @Router      /messages/{id} [patch]
func (h *Handlers) EditMessage(c *gin.Context) {
	ctx := c.Request.Context()
	messageID := c.Param("id")

	editor, okID := callerID(c)
	if !okID {
		return
	}

	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidArgument, "body required")
		return
	}

	msg, err := h.Ingest.EditMessage(ctx, messageID, editor, req.Body)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, CreateMessageResponse{Message: msg})
}

// DeleteMessage godoc
// @ID          deleteMessage
// @Summary     Delete a message for all participants
// @Description Idempotent: repeating the delete returns the original deletion metadata.
// @Tags        Messages
// @Produce     json
// @Param       X-User-ID  header  string  true  "Requester user ID"
// @Param       id         path    string  true  "Message ID"
// @Success     200  {object}  handlers.CreateMessageResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Router      /messages/{id} [delete]
func (h *Handlers) DeleteMessage(c *gin.Context) {
	ctx := c.Request.Context()
	messageID := c.Param("id")

	requester, okID := callerID(c)
	if !okID {
		return
	}

	msg, err := h.Ingest.DeleteForAll(ctx, messageID, requester)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, CreateMessageResponse{Message: msg})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List conversation messages
// @Description Paginated history ordered by server receipt time.
// @Tags        Messages
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Conversation ID"
// @Param       page       query   int     false "Page (1-based)"
// @Param       page_size  query   int     false "Page size (max 200)"
// @Success     200  {object}  handlers.ListMessagesResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID := c.Param("id")

	caller, okID := callerID(c)
	if !okID {
		return
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.Ingest.ListMessages(ctx, conversationID, caller, page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}
	if items == nil {
		items = []domain.Message{}
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: Pagination{Page: page, PageSize: pageSize, Total: total},
	})
}
