package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ratelink/ratelink-go/api"
	"github.com/ratelink/ratelink-go/clock"
	"github.com/ratelink/ratelink-go/config"
	"github.com/ratelink/ratelink-go/internal/backend/memory"
	"github.com/ratelink/ratelink-go/metrics"
	"github.com/ratelink/ratelink-go/middleware"
	"github.com/ratelink/ratelink-go/types"
)

func newHandler(t *testing.T, limit int64) (http.HandlerFunc, *metrics.RateLimitMetrics) {
	t.Helper()
	fc := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter, err := api.NewLimiter("http_test", config.FixedWindow, types.Quota{Limit: limit, Window: time.Minute}, memory.New(), api.WithClock(fc))
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}
	m := metrics.NewRateLimitMetrics()
	mw := middleware.NewRateLimitMiddleware(limiter, m, "http_test", "fixed_window", limit)

	handler := mw.Handle(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, func(r *http.Request) string { return r.Header.Get("X-Real-IP") })
	return handler, m
}

func doRequest(handler http.HandlerFunc, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	if ip != "" {
		req.Header.Set("X-Real-IP", ip)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestMiddleware_AllowsAndDenies(t *testing.T) {
	handler, m := newHandler(t, 2)

	for i := 0; i < 2; i++ {
		rec := doRequest(handler, "10.0.0.1")
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := doRequest(handler, "10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Over-limit status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("Denied response is missing Retry-After")
	}

	// Another client is unaffected.
	rec = doRequest(handler, "10.0.0.2")
	if rec.Code != http.StatusOK {
		t.Fatalf("Other client status = %d, want 200", rec.Code)
	}

	total, allowed, rejected := m.Snapshot()
	if total != 4 || allowed != 3 || rejected != 1 {
		t.Fatalf("Metrics = (%d, %d, %d), want (4, 3, 1)", total, allowed, rejected)
	}
}

func TestMiddleware_RateLimitHeaders(t *testing.T) {
	handler, _ := newHandler(t, 5)

	rec := doRequest(handler, "10.0.0.1")
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Fatalf("X-RateLimit-Limit = %q, want %q", got, "5")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Fatalf("X-RateLimit-Remaining = %q, want %q", got, "4")
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatalf("X-RateLimit-Reset missing")
	}
	if rec.Header().Get("Retry-After") != "" {
		t.Fatalf("Allowed response should not carry Retry-After")
	}
}

func TestMiddleware_MissingIdentifier(t *testing.T) {
	handler, m := newHandler(t, 5)

	rec := doRequest(handler, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Status = %d, want 500 for missing identifier", rec.Code)
	}
	_, _, rejected := m.Snapshot()
	if rejected != 1 {
		t.Fatalf("Rejected = %d, want 1", rejected)
	}
}
