// Reaction HTTP handlers.
//
// POST /messages/{id}/reactions toggles the caller's reaction for one emoji.
// The toggle is its own inverse: the same request made twice restores the
// pre-toggle summary.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ToggleReactionRequest is the JSON payload for a reaction toggle.
type ToggleReactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

// ToggleReactionResponse reports the resulting action and the updated
// denormalized summary map.
type ToggleReactionResponse struct {
	Action  string         `json:"action"` // "added" | "removed"
	Summary map[string]any `json:"summary"`
}

// ToggleReaction godoc
// @ID          toggleReaction
// @Summary     Toggle an emoji reaction
// @Description Adds or removes the caller's reaction; summary is rewritten atomically.
// @Tags        Reactions
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Reacting user ID"
// @Param       id         path    string  true  "Message ID"
// @Param       body       body    handlers.ToggleReactionRequest  true  "Emoji"
// @Success     200  {object}  handlers.ToggleReactionResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     429  {object}  handlers.ErrorResponse
// @Router      /messages/{id}/reactions [post]
func (h *Handlers) ToggleReaction(c *gin.Context) {
	ctx := c.Request.Context()
	messageID := c.Param("id")

	caller, okID := callerID(c)
	if !okID {
		return
	}

	var req ToggleReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidArgument, "emoji required")
		return
	}

	action, summary, err := h.Ingest.ToggleReaction(ctx, messageID, caller, req.Emoji)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ToggleReactionResponse{Action: action, Summary: summary})
}
