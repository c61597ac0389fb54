package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pricealerts/internal/logger"

	"github.com/go-redis/redis_rate/v10"
	"go.uber.org/zap"
)

// Limiter is satisfied by *redis_rate.Limiter.
type Limiter interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// RateLimit allows perMinute requests per client address. When the limiter
// itself fails the request is let through.
func RateLimit(limiter Limiter, perMinute int, next http.Handler) http.Handler {
	limit := redis_rate.PerMinute(perMinute)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "rate:" + clientKey(r)
		res, err := limiter.Allow(r.Context(), key, limit)
		if err != nil {
			logger.Log.Warn("Rate limiter unavailable", zap.String("key", key), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if res.Allowed == 0 {
			retry := res.RetryAfter
			if retry < time.Second {
				retry = time.Second
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
