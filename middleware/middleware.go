// Package middleware wires a limiter in front of HTTP handlers.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ratelink/ratelink-go/metrics"
	"github.com/ratelink/ratelink-go/types"
)

// RateLimitMiddleware applies a limiter to HTTP requests, keyed by an
// identifier extracted from each request.
type RateLimitMiddleware struct {
	limiter   types.Limiter
	metrics   *metrics.RateLimitMetrics
	name      string
	algorithm string
	limit     int64
}

// NewRateLimitMiddleware creates middleware around the given limiter. The
// name and algorithm are used in logs; limit fills the X-RateLimit-Limit
// response header.
func NewRateLimitMiddleware(limiter types.Limiter, m *metrics.RateLimitMetrics, name, algorithm string, limit int64) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter:   limiter,
		metrics:   m,
		name:      name,
		algorithm: algorithm,
		limit:     limit,
	}
}

// Handle wraps next with rate limiting. identifierFunc extracts the limit
// key (typically the client IP) from the request; an empty identifier is
// rejected outright.
func (m *RateLimitMiddleware) Handle(next http.HandlerFunc, identifierFunc func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := identifierFunc(r)
		if identifier == "" {
			log.Warn().Str("limiter", m.name).Str("remote_addr", r.RemoteAddr).Msg("Middleware: could not extract identifier, denying request")
			m.metrics.RecordRequest(false)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		decision, err := m.limiter.Check(r.Context(), identifier, 1)
		if err != nil {
			log.Error().Err(err).Str("limiter", m.name).Str("identifier", identifier).Msg("Middleware: rate limit check failed, denying request")
			m.metrics.RecordRequest(false)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		m.metrics.RecordRequest(decision.Allowed)
		m.writeHeaders(w, decision)

		if !decision.Allowed {
			log.Debug().Str("limiter", m.name).Str("algorithm", m.algorithm).Str("identifier", identifier).Dur("retry_after", decision.RetryAfter).Msg("Middleware: request rate limited")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (m *RateLimitMiddleware) writeHeaders(w http.ResponseWriter, d types.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(m.limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed && d.RetryAfter != types.RetryNever {
		seconds := int64(d.RetryAfter / time.Second)
		if d.RetryAfter%time.Second != 0 {
			seconds++
		}
		h.Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
}
