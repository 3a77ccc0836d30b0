// Package api is the HTTP adapter over the conversation service. Every
// response uses the {code, message, data} envelope.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"github.com/aixgo-dev/finrag/pkg/security"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Options configures the router.
type Options struct {
	// Publisher enables the async route. Nil answers 503.
	Publisher JobPublisher
	// Limiter applies per-client rate limits to the agent routes. Nil disables them.
	Limiter *security.RateLimiter
	// Health serves /health and /health/ready. Nil registers no checks.
	Health *pkgobs.HealthChecker
	// Debug includes scrubbed error details in responses.
	Debug  bool
	Logger zerolog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(svc Service, opts Options) *gin.Engine {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	health := opts.Health
	if health == nil {
		health = pkgobs.NewHealthChecker()
	}
	sanitizer := security.NewSanitizer(opts.Logger, opts.Debug)

	h := &Handler{
		svc:       svc,
		publisher: opts.Publisher,
		validator: security.QueryValidator(),
		sanitizer: sanitizer,
		now:       time.Now,
		logger:    opts.Logger,
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(RequestID(), Logger(opts.Logger), Recovery(sanitizer))

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, CodeNotFound, "route not found", nil)
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, CodeMethodNotAllow, "method not allowed", nil)
	})

	r.GET("/health", gin.WrapF(health.HealthHandler()))
	r.GET("/health/live", gin.WrapF(pkgobs.LivenessHandler()))
	r.GET("/health/ready", gin.WrapF(health.ReadinessHandler()))
	r.GET("/metrics", gin.WrapH(pkgobs.MetricsHandler()))

	agent := r.Group("/api/v1/agent")
	if opts.Limiter != nil {
		agent.Use(RateLimit(opts.Limiter))
	}
	agent.POST("/chat/:thread_id", h.Chat)
	agent.POST("/chat/:thread_id/async", h.ChatAsync)
	agent.GET("/messages/:thread_id", h.Messages)
	agent.DELETE("/conversations/:thread_id", h.DeleteConversation)

	return r
}

// Server runs the router on an http.Server.
type Server struct {
	httpServer *http.Server
}

// NewServer wraps handler with the configured timeouts. Zero timeouts are
// left unset.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *Server {
	return &Server{httpServer: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
	}}
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
