package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RequestsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/businesses/:slug/customers/:phone", func(c *gin.Context) { c.String(http.StatusOK, "standing") })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	route := "/businesses/:slug/customers/:phone"
	baseOK := testutil.ToFloat64(httpRequests.WithLabelValues("GET", route, "200"))
	base404 := testutil.ToFloat64(httpRequests.WithLabelValues("GET", unmatchedRoute, "404"))
	base204 := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/health", "204"))

	for _, p := range []string{"/businesses/cafe/customers/+15551234567", "/businesses/deli/customers/5550001111", "/nope/+15551234567", "/health"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", route, "200")); got != baseOK+2 {
		t.Fatalf("route counter = %v, want %v", got, baseOK+2)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", unmatchedRoute, "404")); got != base404+1 {
		t.Fatalf("unmatched counter = %v, want %v", got, base404+1)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/health", "204")); got != base204+1 {
		t.Fatalf("health counter = %v, want %v", got, base204+1)
	}
	if got := testutil.ToFloat64(httpInflight); got != 0 {
		t.Fatalf("inflight = %v", got)
	}
}

func TestMetrics_CountsReplaysAndThrottles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.1, 1, KeyByKioskOrIP())
	fixedClock(rl)

	r := gin.New()
	r.Use(Metrics())
	r.Use(IdempotencyValidator(IdempotencyOptions{}, func(_ context.Context, key string, _ time.Time) (bool, error) {
		return key == "seen", nil
	}))
	r.Use(rl.Handler())
	r.POST("/checkins", func(c *gin.Context) { c.Status(http.StatusOK) })

	baseReplay := testutil.ToFloat64(httpReplays.WithLabelValues("/checkins"))
	baseThrottled := testutil.ToFloat64(httpThrottled.WithLabelValues("/checkins"))

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/checkins", nil)
		req.Header.Set(HeaderKioskID, "till-2")
		if key != "" {
			req.Header.Set(HeaderIdempotencyKey, key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	codes := []int{send("k1"), send("k2"), send("seen")}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusOK {
		t.Fatalf("codes = %v", codes)
	}
	if got := testutil.ToFloat64(httpReplays.WithLabelValues("/checkins")); got != baseReplay+1 {
		t.Fatalf("replays = %v, want %v", got, baseReplay+1)
	}
	if got := testutil.ToFloat64(httpThrottled.WithLabelValues("/checkins")); got != baseThrottled+1 {
		t.Fatalf("throttled = %v, want %v", got, baseThrottled+1)
	}
}
