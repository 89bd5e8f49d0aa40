package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_HTTPCollectors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())

	r.POST("/api/v1/chat/message", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"content": "hi"})
	})
	r.DELETE("/api/v1/chat/session/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent) // no body, size stays -1
	})

	baseMsg := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/api/v1/chat/message", "200"))
	base404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/chat/message", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("POST /api/v1/chat/message -> %d", w.Code)
	}

	// No matching route: the path label falls back to the raw URL.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope -> %d", w.Code)
	}

	// Bodyless response exercises the size < 0 skip.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/chat/session/s1", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE session -> %d", w.Code)
	}

	// The matched route's counter uses the registered pattern, with the :id
	// placeholder, not the concrete URL.
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("DELETE", "/api/v1/chat/session/:id", "204")); got < 1 {
		t.Fatalf("expected route-pattern label for DELETE session, got %v", got)
	}

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/api/v1/chat/message", "200")); got != baseMsg+1 {
		t.Fatalf("chat message counter = %v; want %v", got, baseMsg+1)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404")); got != base404+1 {
		t.Fatalf("404 fallback counter = %v; want %v", got, base404+1)
	}
	if inFlight := testutil.ToFloat64(httpInflight); inFlight != 0 {
		t.Fatalf("httpInflight = %v; want 0", inFlight)
	}
}

func TestObserveProviderCall(t *testing.T) {
	baseOK := testutil.ToFloat64(providerReqs.WithLabelValues("gemini", "ok"))
	baseRL := testutil.ToFloat64(providerReqs.WithLabelValues("groq", "rate_limited"))

	ObserveProviderCall("gemini", "ok")
	ObserveProviderCall("gemini", "ok")
	ObserveProviderCall("groq", "rate_limited")

	if got := testutil.ToFloat64(providerReqs.WithLabelValues("gemini", "ok")); got != baseOK+2 {
		t.Fatalf("gemini ok = %v; want %v", got, baseOK+2)
	}
	if got := testutil.ToFloat64(providerReqs.WithLabelValues("groq", "rate_limited")); got != baseRL+1 {
		t.Fatalf("groq rate_limited = %v; want %v", got, baseRL+1)
	}
}

func TestObserveCacheLookup(t *testing.T) {
	baseHit := testutil.ToFloat64(respCacheEvents.WithLabelValues("hit"))
	baseMiss := testutil.ToFloat64(respCacheEvents.WithLabelValues("miss"))

	ObserveCacheLookup(true)
	ObserveCacheLookup(false)
	ObserveCacheLookup(false)

	if got := testutil.ToFloat64(respCacheEvents.WithLabelValues("hit")); got != baseHit+1 {
		t.Fatalf("cache hits = %v; want %v", got, baseHit+1)
	}
	if got := testutil.ToFloat64(respCacheEvents.WithLabelValues("miss")); got != baseMiss+2 {
		t.Fatalf("cache misses = %v; want %v", got, baseMiss+2)
	}
}

func TestSetQuotaUsage(t *testing.T) {
	SetQuotaUsage("ollama", "minute", 3, 12)
	if got := testutil.ToFloat64(quotaUsage.WithLabelValues("ollama", "minute")); got != 0.25 {
		t.Fatalf("quota ratio = %v; want 0.25", got)
	}

	// A zero or negative limit means the window is unlimited; nothing is
	// published and any prior value stays put.
	SetQuotaUsage("ollama", "minute", 99, 0)
	if got := testutil.ToFloat64(quotaUsage.WithLabelValues("ollama", "minute")); got != 0.25 {
		t.Fatalf("quota ratio after unlimited window = %v; want 0.25", got)
	}
}
