package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordsRouteAndUnmatched(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.POST("/orders", func(c *gin.Context) { c.Status(http.StatusConflict) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/orders", "409"))
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"id":"A1"}`))
	r.ServeHTTP(httptest.NewRecorder(), req)
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/orders", "409")); got != before+1 {
		t.Fatalf("counter = %v; want %v", got, before+1)
	}

	unmatched := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "unmatched", "404"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/random/"+strings.Repeat("x", 40), nil))
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "unmatched", "404")); got != unmatched+1 {
		t.Fatalf("unmatched counter = %v; want %v", got, unmatched+1)
	}
	if testutil.ToFloat64(httpInflight) != 0 {
		t.Fatalf("inflight gauge should return to 0")
	}
}
