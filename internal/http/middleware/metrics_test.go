package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsByRouteAndStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/conversations/:id/messages", func(c *gin.Context) {
		c.String(http.StatusOK, `{"messages":[]}`)
	})
	r.GET("/empty", func(c *gin.Context) {
		c.Status(http.StatusNoContent) // no body, Writer.Size() stays -1
	})

	// Baselines guard against other tests sharing the default registry.
	baseList := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/conversations/:id/messages", "200"))
	baseMiss := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404"))

	for _, path := range []string{"/conversations/c1/messages", "/conversations/c2/messages", "/nope", "/empty"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	// Both conversation hits collapse onto the route template label.
	got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/conversations/:id/messages", "200"))
	if got != baseList+2 {
		t.Fatalf("route-template counter = %v, want %v", got, baseList+2)
	}

	// Unmatched requests fall back to the raw path.
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404")); got != baseMiss+1 {
		t.Fatalf("404 fallback counter = %v, want %v", got, baseMiss+1)
	}

	if inFlight := testutil.ToFloat64(httpInflight); inFlight != 0 {
		t.Fatalf("in-flight gauge = %v after requests completed", inFlight)
	}
}

func TestRouteLabel_FallsBackToRawPath(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var matched, unmatched string
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Next()
		if c.FullPath() == "" {
			unmatched = routeLabel(c)
		} else {
			matched = routeLabel(c)
		}
	})
	r.GET("/messages/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/messages/m-42", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	if matched != "/messages/:id" {
		t.Fatalf("matched label = %q, want route template", matched)
	}
	if unmatched != "/missing" {
		t.Fatalf("unmatched label = %q, want raw path", unmatched)
	}
}
