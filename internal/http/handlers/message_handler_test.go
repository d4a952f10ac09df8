package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rfletes45/snapstyle-sync/internal/domain"
	"github.com/rfletes45/snapstyle-sync/internal/gate"
	"github.com/rfletes45/snapstyle-sync/internal/pubsub"
	"github.com/rfletes45/snapstyle-sync/internal/services"
)

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB, *pubsub.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(
		&domain.Conversation{}, &domain.Membership{}, &domain.Block{},
		&domain.Message{}, &domain.Reaction{}, &domain.RateLimitWindow{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	hub := pubsub.NewHub(16)
	svc := &services.IngestionService{
		DB:   db,
		Gate: &gate.Gate{DB: db, Limits: gate.DefaultLimits(), Log: zerolog.Nop()},
		Hub:  hub,
		Log:  zerolog.Nop(),
	}
	h := New(svc, hub)

	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.POST("/conversations/:id/messages", h.CreateMessage)
	v1.GET("/conversations/:id/messages", h.ListMessages)
	v1.PATCH("/messages/:id", h.EditMessage)
	v1.DELETE("/messages/:id", h.DeleteMessage)
	v1.POST("/messages/:id/reactions", h.ToggleReaction)
	v1.GET("/conversations/:id/events", h.SubscribeEvents)
	return r, db, hub
}

func seedHandlerDM(t *testing.T, db *gorm.DB) {
	t.Helper()
	c := &domain.Conversation{ID: "c1", Scope: domain.ScopeDM, MemberA: "alice", MemberB: "bob"}
	if err := db.Create(c).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
}

func doJSON(t *testing.T, r *gin.Engine, method, path, user string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createBody(id string) CreateMessageRequest {
	return CreateMessageRequest{
		MessageID: id,
		Scope:     domain.ScopeDM,
		Kind:      domain.KindText,
		Body:      "hello over http",
	}
}

// ---------- create ----------

func TestCreateMessage_HTTPIdempotent(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedHandlerDM(t, db)

	w := doJSON(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "alice", createBody("m1"))
	if w.Code != http.StatusOK {
		t.Fatalf("first create status = %d: %s", w.Code, w.Body.String())
	}
	var first CreateMessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.IsExisting {
		t.Fatalf("first create flagged existing")
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "alice", createBody("m1"))
	var second CreateMessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if !second.IsExisting || second.Message.ID != "m1" {
		t.Fatalf("replay not idempotent: %+v", second)
	}
}

func TestCreateMessage_HTTPErrors(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedHandlerDM(t, db)

	// No identity header.
	w := doJSON(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "", createBody("m1"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing user: status = %d", w.Code)
	}

	// Missing required fields.
	w = doJSON(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "alice", map[string]string{"body": "x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad payload: status = %d", w.Code)
	}
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil || er.Code != ErrCodeInvalidArgument {
		t.Fatalf("error envelope: %+v, %v", er, err)
	}

	// Non-member.
	w = doJSON(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "mallory", createBody("m2"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-member: status = %d", w.Code)
	}

	// Unknown conversation without a peer hint.
	w = doJSON(t, r, http.MethodPost, "/api/v1/conversations/nope/messages", "alice", createBody("m3"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation: status = %d", w.Code)
	}
}

func TestCreateMessage_HTTPRateLimit(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedHandlerDM(t, db)

	limit := gate.DefaultLimits().SendPerMin
	for i := 0; i < limit; i++ {
		w := doJSON(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "alice", createBody(fmt.Sprintf("m-%d", i)))
		if w.Code != http.StatusOK {
			t.Fatalf("send %d status = %d", i, w.Code)
		}
	}
	w := doJSON(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "alice", createBody("m-over"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: status = %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("429 without Retry-After")
	}
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil || er.Code != ErrCodeResourceExhausted {
		t.Fatalf("error envelope: %+v, %v", er, err)
	}
}

// ---------- edit / delete ----------

func TestEditAndDeleteMessage_HTTP(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedHandlerDM(t, db)

	doJSON(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "alice", createBody("m1"))

	w := doJSON(t, r, http.MethodPatch, "/api/v1/messages/m1", "alice", EditMessageRequest{Body: "edited"})
	if w.Code != http.StatusOK {
		t.Fatalf("edit status = %d: %s", w.Code, w.Body.String())
	}

	// Non-sender edit is forbidden.
	w = doJSON(t, r, http.MethodPatch, "/api/v1/messages/m1", "bob", EditMessageRequest{Body: "hijack"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign edit: status = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodDelete, "/api/v1/messages/m1", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}

	// Edit after deletion conflicts.
	w = doJSON(t, r, http.MethodPatch, "/api/v1/messages/m1", "alice", EditMessageRequest{Body: "late"})
	if w.Code != http.StatusConflict {
		t.Fatalf("edit after delete: status = %d", w.Code)
	}

	// Unknown message.
	w = doJSON(t, r, http.MethodDelete, "/api/v1/messages/missing", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("delete missing: status = %d", w.Code)
	}
}

// ---------- reactions ----------

func TestToggleReaction_HTTP(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedHandlerDM(t, db)
	doJSON(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "alice", createBody("m1"))

	w := doJSON(t, r, http.MethodPost, "/api/v1/messages/m1/reactions", "bob", ToggleReactionRequest{Emoji: "👍"})
	if w.Code != http.StatusOK {
		t.Fatalf("toggle status = %d: %s", w.Code, w.Body.String())
	}
	var res ToggleReactionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Action != services.ReactionAdded || len(res.Summary) != 1 {
		t.Fatalf("toggle result: %+v", res)
	}

	// Off-list emoji.
	w = doJSON(t, r, http.MethodPost, "/api/v1/messages/m1/reactions", "bob", ToggleReactionRequest{Emoji: "💀"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("off-list emoji: status = %d", w.Code)
	}
}

// ---------- listing ----------

func TestListMessages_HTTP(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedHandlerDM(t, db)
	for i := 0; i < 3; i++ {
		doJSON(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "alice", createBody(fmt.Sprintf("m-%d", i)))
	}

	w := doJSON(t, r, http.MethodGet, "/api/v1/conversations/c1/messages?page=1&page_size=2", "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var res ListMessagesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Pagination.Total != 3 || len(res.Messages) != 2 {
		t.Fatalf("page 1: total=%d len=%d", res.Pagination.Total, len(res.Messages))
	}

	// Outsiders cannot read history.
	w = doJSON(t, r, http.MethodGet, "/api/v1/conversations/c1/messages", "mallory", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("outsider list: status = %d", w.Code)
	}
}

// ---------- event publication ----------

func TestSubscribeEvents_MembershipRequired(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedHandlerDM(t, db)

	// Non-members are rejected before the websocket upgrade, so the error
	// arrives as the usual JSON envelope.
	w := doJSON(t, r, http.MethodGet, "/api/v1/conversations/c1/events", "mallory", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-member subscribe: status = %d", w.Code)
	}
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil || er.Code != ErrCodePermissionDenied {
		t.Fatalf("error envelope: %+v, %v", er, err)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/conversations/nope/events", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation subscribe: status = %d", w.Code)
	}
}

func TestCreateMessage_PublishesEvent(t *testing.T) {
	r, db, hub := newTestRouter(t)
	seedHandlerDM(t, db)

	ch, cancel := hub.Subscribe("c1")
	defer cancel()

	doJSON(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "alice", createBody("m1"))

	select {
	case ev := <-ch:
		if ev.Type != pubsub.EventMessageNew || ev.MessageID != "m1" {
			t.Fatalf("wrong event: %+v", ev)
		}
	default:
		t.Fatalf("no event published")
	}
}
