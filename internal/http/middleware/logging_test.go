package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// captureLogs redirects the global logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestRequestID_PropagatesOrGenerates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(requestIDKey)) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	r.ServeHTTP(w, req)
	if w.Header().Get("X-Request-ID") != "abc-123" || w.Body.String() != "abc-123" {
		t.Fatalf("expected propagated id, got header=%q body=%q", w.Header().Get("X-Request-ID"), w.Body.String())
	}

	for _, bad := range []string{"", "has space", strings.Repeat("a", maxRequestIDLen+1)} {
		w = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/x", nil)
		if bad != "" {
			req.Header.Set("X-Request-ID", bad)
		}
		r.ServeHTTP(w, req)
		got := w.Header().Get("X-Request-ID")
		if got == "" || got == bad || len(got) != 36 {
			t.Fatalf("expected generated uuid for %q, got %q", bad, got)
		}
	}
}

func TestAccessLog_LevelsScrubbingAndContextLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	r := gin.New()
	r.Use(RequestID(), AccessLog(AccessLogOptions{LogHeaders: true, SkipPaths: []string{"/health"}}))
	r.GET("/orders/:id", func(c *gin.Context) {
		zerolog.Ctx(c.Request.Context()).Info().Msg("from service")
		c.Status(http.StatusNotFound)
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/orders/A1?token=s3cr3t&email=a@b.io", nil)
	req.Header.Set("Authorization", "Bearer abc.def")
	req.Header.Set("X-Request-ID", "rid-1")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected service line + access line (health skipped), got %d:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], `"message":"from service"`) || !strings.Contains(lines[0], `"request_id":"rid-1"`) {
		t.Fatalf("service log missing request fields: %s", lines[0])
	}
	access := lines[1]
	for _, want := range []string{`"level":"warn"`, `"path":"/orders/:id"`, `"status":404`, `token=[REDACTED]`, `[REDACTED:email]`, `"Authorization":"[REDACTED]"`} {
		if !strings.Contains(access, want) {
			t.Fatalf("access log missing %s: %s", want, access)
		}
	}
	for _, leak := range []string{"s3cr3t", "a@b.io", "abc.def"} {
		if strings.Contains(access, leak) {
			t.Fatalf("access log leaked %q: %s", leak, access)
		}
	}
}

func TestRecovery_ReturnsJSON500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_ = captureLogs(t)

	r := gin.New()
	r.Use(RequestID(), AccessLog(AccessLogOptions{}), Recovery())
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"code":"internal_error"`) || w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("unexpected body/headers: %s %v", w.Body.String(), w.Header())
	}
}

func TestLoggerFrom_FallsBackToGlobal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if LoggerFrom(c) == nil {
		t.Fatalf("expected non-nil logger")
	}
}

func TestTruncate(t *testing.T) {
	if truncate("abc", 0) != "abc" || truncate("abc", 5) != "abc" || truncate("abcdef", 3) != "abc…" {
		t.Fatalf("truncate mismatch")
	}
}
