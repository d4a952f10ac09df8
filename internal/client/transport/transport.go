// Package transport is the typed HTTP client the sync engine ships outbound
// operations through. It maps transport-level and application-level failures
// into a small classification the engine keys its retry policy on.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rfletes45/snapstyle-sync/internal/domain"
)

// FailureClass partitions send failures by how the engine should react.
type FailureClass int

const (
	// ClassTransient covers network errors, 5xx and anything unclassified.
	// Retried with backoff.
	ClassTransient FailureClass = iota
	// ClassInvalid is a validation rejection. Terminal; never retried.
	ClassInvalid
	// ClassPermission is a membership, block or moderation rejection.
	// Terminal; never retried.
	ClassPermission
	// ClassRateLimited means the window is exhausted. Retried after a
	// server-suggested or backoff delay.
	ClassRateLimited
	// ClassNotFound means the referenced entity no longer exists. Terminal.
	ClassNotFound
)

// String names the class for logs and the cache's last_error column.
func (c FailureClass) String() string {
	switch c {
	case ClassInvalid:
		return "invalid"
	case ClassPermission:
		return "permission"
	case ClassRateLimited:
		return "rate_limited"
	case ClassNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// Failure is an error carrying its retry classification.
type Failure struct {
	Class      FailureClass
	Code       string
	Message    string
	RetryAfter time.Duration
}

// Error implements error.
func (f *Failure) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", f.Class, f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Class, f.Message)
}

// Terminal reports whether the failure should never be retried.
func (f *Failure) Terminal() bool {
	return f.Class == ClassInvalid || f.Class == ClassPermission || f.Class == ClassNotFound
}

// Client talks to the ingestion service.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

// New builds a Client for the API at baseURL acting as userID.
func New(baseURL, userID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateMessage is the outbound payload for message creation.
type CreateMessage struct {
	MessageID   string    `json:"message_id"`
	Scope       string    `json:"scope"`
	PeerID      string    `json:"peer_id,omitempty"`
	Kind        string    `json:"kind"`
	Body        string    `json:"body"`
	ReplyToID   string    `json:"reply_to_id,omitempty"`
	Mentions    []string  `json:"mentions,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	ClientTime  time.Time `json:"client_time"`
}

// CreateResult is the server's acknowledgment of a create.
type CreateResult struct {
	Message    domain.Message `json:"message"`
	IsExisting bool           `json:"is_existing"`
}

// SendCreate posts one message. A replayed id returns the stored record with
// IsExisting set, which the caller treats exactly like first-time success.
func (c *Client) SendCreate(ctx context.Context, conversationID string, req CreateMessage) (*CreateResult, error) {
	var out CreateResult
	path := fmt.Sprintf("/api/v1/conversations/%s/messages", conversationID)
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendEdit patches a message body.
func (c *Client) SendEdit(ctx context.Context, messageID, body string) (*domain.Message, error) {
	var out struct {
		Message domain.Message `json:"message"`
	}
	path := fmt.Sprintf("/api/v1/messages/%s", messageID)
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"body": body}, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// SendDelete tombstones a message for all participants.
func (c *Client) SendDelete(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/api/v1/messages/%s", messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ToggleResult carries the post-toggle reaction summary.
type ToggleResult struct {
	Action  string         `json:"action"`
	Summary map[string]any `json:"summary"`
}

// SendReaction toggles the caller's reaction on a message.
func (c *Client) SendReaction(ctx context.Context, messageID, emoji string) (*ToggleResult, error) {
	var out ToggleResult
	path := fmt.Sprintf("/api/v1/messages/%s/reactions", messageID)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"emoji": emoji}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPage fetches one page of conversation history.
func (c *Client) ListPage(ctx context.Context, conversationID string, page, pageSize int) ([]domain.Message, error) {
	var out struct {
		Messages []domain.Message `json:"messages"`
	}
	path := fmt.Sprintf("/api/v1/conversations/%s/messages?page=%d&page_size=%d", conversationID, page, pageSize)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return &Failure{Class: ClassInvalid, Message: err.Error()}
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Failure{Class: ClassInvalid, Message: err.Error()}
	}
	req.Header.Set("X-User-ID", c.userID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Failure{Class: ClassTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Failure{Class: ClassTransient, Message: "decode response: " + err.Error()}
		}
		return nil
	}

	return classify(resp)
}

// classify turns a non-2xx response into a Failure. The status drives the
// class; the envelope code and message ride along for diagnostics.
func classify(resp *http.Response) *Failure {
	var env struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &env)

	f := &Failure{Code: env.Code, Message: env.Message}
	if f.Message == "" {
		f.Message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		f.Class = ClassInvalid
	case http.StatusUnauthorized, http.StatusForbidden:
		f.Class = ClassPermission
	case http.StatusNotFound:
		f.Class = ClassNotFound
	case http.StatusConflict:
		// failed_precondition (edit window elapsed, deleted target). Terminal
		// in the same sense as a validation error.
		f.Class = ClassInvalid
	case http.StatusTooManyRequests:
		f.Class = ClassRateLimited
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := time.ParseDuration(ra + "s"); err == nil {
				f.RetryAfter = secs
			}
		}
	default:
		f.Class = ClassTransient
	}
	return f
}
