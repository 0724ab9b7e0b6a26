package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestKeyByClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")
	c.Request = req

	if key := KeyByClient()(c); key != "ip:203.0.113.9" {
		t.Fatalf("expected ip key, got %q", key)
	}
	req.Header.Set(HeaderClientID, "shop-7")
	if key := KeyByClient()(c); key != "client:shop-7" {
		t.Fatalf("expected client key, got %q", key)
	}
}

func newLimitedEngine(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), rl.Handler())
	r.POST("/orders", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func post(r http.Handler, client string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	req.Header.Set(HeaderClientID, client)
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_BurstThen429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(0.5, 2, nil)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }
	r := newLimitedEngine(rl)

	for i := 0; i < 2; i++ {
		if w := post(r, "a"); w.Code != http.StatusOK {
			t.Fatalf("request %d within burst got %d", i, w.Code)
		}
	}
	w := post(r, "a")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	secs, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || secs != 2 {
		t.Fatalf("expected Retry-After=2 at 0.5 rps, got %q", w.Header().Get("Retry-After"))
	}
	if !strings.Contains(w.Body.String(), `"code":"too_many_requests"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}

	// A rejected request must not consume a future token.
	fixed = fixed.Add(2 * time.Second)
	if w := post(r, "a"); w.Code != http.StatusOK {
		t.Fatalf("expected token after refill, got %d", w.Code)
	}
	// Other clients have their own bucket.
	if w := post(r, "b"); w.Code != http.StatusOK {
		t.Fatalf("independent client limited: %d", w.Code)
	}
}

func TestRateLimiter_ZeroRate(t *testing.T) {
	r := newLimitedEngine(NewRateLimiter(0, 1, nil))
	if w := post(r, "z"); w.Code != http.StatusOK {
		t.Fatalf("burst token should pass, got %d", w.Code)
	}
	w := post(r, "z")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected 429 with Retry-After 60, got %d %q", w.Code, w.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_SweepsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 0, nil)
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed: %d", rl.burst)
	}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.limiter("old")

	now = now.Add(rl.ttl)
	for i := 0; i < sweepEvery; i++ {
		rl.limiter("fresh")
	}
	if rl.Len() != 1 {
		t.Fatalf("expected idle bucket to be swept, have %d", rl.Len())
	}
}
