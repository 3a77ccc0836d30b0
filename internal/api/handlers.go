package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aixgo-dev/finrag/internal/conversation"
	"github.com/aixgo-dev/finrag/internal/orchestration"
	"github.com/aixgo-dev/finrag/internal/queue"
	"github.com/aixgo-dev/finrag/pkg/checkpoint"
	"github.com/aixgo-dev/finrag/pkg/security"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Service is the conversation service behind the API.
type Service interface {
	Process(ctx context.Context, threadID, userText string) (*conversation.State, error)
	History(ctx context.Context, threadID string) ([]conversation.Turn, error)
	DeleteConversation(ctx context.Context, threadID string) error
}

// JobPublisher queues a turn for the worker.
type JobPublisher interface {
	Publish(ctx context.Context, j queue.Job) error
}

// Handler serves the agent routes.
type Handler struct {
	svc       Service
	publisher JobPublisher
	validator *security.StringValidator
	sanitizer *security.Sanitizer
	now       func() time.Time
	logger    zerolog.Logger
}

type chatRequest struct {
	Query string `json:"query" binding:"required"`
}

type chatResponse struct {
	Response string `json:"response"`
	Title    string `json:"title,omitempty"`
	// Degraded is set when the answer came with an infrastructure error,
	// such as a failed checkpoint write.
	Degraded bool `json:"degraded,omitempty"`
}

type message struct {
	Role    conversation.Role `json:"role"`
	Content string            `json:"content"`
}

// Chat answers a query synchronously.
func (h *Handler) Chat(c *gin.Context) {
	threadID, query, okk := h.bind(c)
	if !okk {
		return
	}

	state, err := h.svc.Process(c.Request.Context(), threadID, query)
	if state == nil {
		h.processError(c, err)
		return
	}

	resp := chatResponse{Response: state.LastAnswer()}
	if len(state.Turns) == 2 {
		resp.Title = state.Title
	}
	if err != nil {
		resp.Degraded = true
		h.logger.Error().Err(err).Str("thread_id", threadID).Msg("turn answered with errors")
	}
	ok(c, resp)
}

// ChatAsync queues a query and returns its job ID.
func (h *Handler) ChatAsync(c *gin.Context) {
	if h.publisher == nil {
		fail(c, http.StatusServiceUnavailable, CodeUnavailable, "async processing is not configured", nil)
		return
	}
	threadID, query, okk := h.bind(c)
	if !okk {
		return
	}

	job := queue.NewJob(threadID, query, h.now())
	if err := h.publisher.Publish(c.Request.Context(), job); err != nil {
		se := h.sanitizer.SanitizeWithCode(err, security.ErrCodeUnavailable, "failed to queue the query")
		fail(c, http.StatusServiceUnavailable, CodeUnavailable, se.Message, se)
		return
	}
	accepted(c, gin.H{"job_id": job.ID})
}

// Messages returns the thread's turns in order.
func (h *Handler) Messages(c *gin.Context) {
	threadID := c.Param("thread_id")
	turns, err := h.svc.History(c.Request.Context(), threadID)
	if err != nil {
		h.processError(c, err)
		return
	}
	out := make([]message, len(turns))
	for i, t := range turns {
		out[i] = message{Role: t.Role, Content: t.Content}
	}
	ok(c, out)
}

// DeleteConversation removes every checkpoint of the thread.
func (h *Handler) DeleteConversation(c *gin.Context) {
	threadID := c.Param("thread_id")
	if err := h.svc.DeleteConversation(c.Request.Context(), threadID); err != nil {
		h.processError(c, err)
		return
	}
	ok(c, gin.H{"thread_id": threadID, "deleted": true})
}

func (h *Handler) bind(c *gin.Context) (threadID, query string, okk bool) {
	threadID = c.Param("thread_id")
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidThreadID, "invalid thread id", nil)
		return "", "", false
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidJSON, "invalid json", nil)
		return "", "", false
	}
	query = strings.TrimSpace(req.Query)
	if err := h.validator.Validate(query); err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidQuery, "invalid query: "+err.Error(), nil)
		return "", "", false
	}
	return threadID, query, true
}

func (h *Handler) processError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestration.ErrEmptyInput):
		fail(c, http.StatusBadRequest, CodeInvalidQuery, "query must not be empty", nil)
	case errors.Is(err, checkpoint.ErrInvalidThreadID):
		fail(c, http.StatusBadRequest, CodeInvalidThreadID, "invalid thread id", nil)
	case errors.Is(err, context.DeadlineExceeded):
		se := h.sanitizer.SanitizeWithCode(err, security.ErrCodeTimeout, "request timed out")
		fail(c, http.StatusGatewayTimeout, CodeTimeout, se.Message, se)
	case errors.Is(err, context.Canceled):
		fail(c, 499, CodeUnavailable, "request cancelled", nil)
	default:
		se := h.sanitizer.Sanitize(err)
		fail(c, http.StatusInternalServerError, CodeInternal, se.Message, se)
	}
}
