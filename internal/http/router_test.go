package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rfletes45/snapstyle-sync/internal/config"
	"github.com/rfletes45/snapstyle-sync/internal/domain"
	"github.com/rfletes45/snapstyle-sync/internal/pubsub"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&domain.Conversation{}, &domain.Membership{}, &domain.Block{},
		&domain.Message{}, &domain.Reaction{}, &domain.RateLimitWindow{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	r := gin.New()
	RegisterRoutes(r, db, pubsub.NewHub(16), cfg)
	return r
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("health response without request id")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
}

func TestRouter_NoRouteAndNoMethodEnvelopes(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("no route = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["code"] != "not_found" {
		t.Fatalf("404 envelope: %s (%v)", w.Body.String(), err)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("no method = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["code"] != "method_not_allowed" {
		t.Fatalf("405 envelope: %s (%v)", w.Body.String(), err)
	}
}

func TestRouter_BasePathMount(t *testing.T) {
	r := newRouter(t)

	// Unauthenticated API call reaches the handler (not a 404), proving the
	// base path group is mounted.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1/messages", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 from handler, got %d", w.Code)
	}
}
