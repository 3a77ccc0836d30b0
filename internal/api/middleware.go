package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"github.com/aixgo-dev/finrag/pkg/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// RequestID reuses the caller's X-Request-ID or mints a UUID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// Logger logs one line per request and records HTTP metrics by route.
func Logger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		pkgobs.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(status), elapsed)

		ev := logger.Info()
		if status >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Str("request_id", c.GetString(requestIDKey)).
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// Recovery turns a panic into a 500 envelope.
func Recovery(s *security.Sanitizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				se := s.Sanitize(fmt.Errorf("panic: %v", r))
				fail(c, http.StatusInternalServerError, CodeInternal, se.Message, se)
			}
		}()
		c.Next()
	}
}

// RateLimit rejects clients over their per-IP budget with 429.
func RateLimit(rl *security.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			fail(c, http.StatusTooManyRequests, CodeRateLimited, "too many requests", nil)
			return
		}
		c.Next()
	}
}
