// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the standard response utilities used across all
// endpoints: the structured error envelope and helpers for common HTTP
// patterns. Uniform envelopes keep the sync client's error classification
// simple: it branches on the stable `code` field, never on message text.
//
// Example error response:
//
//	HTTP/1.1 403 Forbidden
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "permission_denied",
//	  "message": "not a conversation member"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rfletes45/snapstyle-sync/internal/http/middleware"
	"github.com/rfletes45/snapstyle-sync/internal/services"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
//
// RequestID correlates server logs with client-side errors; Code is the
// stable machine-readable taxonomy entry (see errors.go); Message is safe to
// surface to users.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	Code      string `json:"code" example:"not_found"`
	Message   string `json:"message" example:"resource not found"`
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{
		RequestID: reqID,
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail().
//
// External packages (e.g., router setup) should call Fail to return
// consistent error envelopes without directly depending on unexported helpers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failService maps a service-layer error to the HTTP status + code pair of
// the taxonomy and writes the envelope. Unrecognized errors become 500
// internal_error, which the sync client treats as transient.
func failService(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidArgument):
		fail(c, http.StatusBadRequest, ErrCodeInvalidArgument, err.Error())
	case errors.Is(err, services.ErrPermissionDenied):
		fail(c, http.StatusForbidden, ErrCodePermissionDenied, err.Error())
	case errors.Is(err, services.ErrRateLimited):
		c.Header("Retry-After", "1")
		fail(c, http.StatusTooManyRequests, ErrCodeResourceExhausted, err.Error())
	case errors.Is(err, services.ErrFailedPrecondition):
		fail(c, http.StatusConflict, ErrCodeFailedPrecondition, err.Error())
	case errors.Is(err, services.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
