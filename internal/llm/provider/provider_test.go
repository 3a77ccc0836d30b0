package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func init() {
	retryBaseDelay = time.Millisecond
}

// scriptedProvider returns queued replies in order and records requests.
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []CompletionRequest
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	content := ""
	if i < len(s.replies) {
		content = s.replies[i]
	}
	return &CompletionResponse{Content: content, FinishReason: "stop", Usage: Usage{TotalTokens: 3}}, nil
}

func (s *scriptedProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	return structuredViaPrompt(ctx, s, req)
}

func TestProviderError(t *testing.T) {
	inner := errors.New("boom")
	err := NewProviderError("openai", ErrorCodeRateLimit, "slow down", inner)

	if err.Error() != "openai error: slow down" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("expected Unwrap to expose the original error")
	}
	if !IsRetryable(err) {
		t.Error("rate limit errors should be retryable")
	}
	if IsRetryable(NewProviderError("openai", ErrorCodeAuthentication, "nope", nil)) {
		t.Error("authentication errors should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are never retryable")
	}
}

func TestCodeForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{401, ErrorCodeAuthentication},
		{403, ErrorCodeAuthentication},
		{429, ErrorCodeRateLimit},
		{400, ErrorCodeInvalidRequest},
		{404, ErrorCodeModelNotFound},
		{504, ErrorCodeTimeout},
		{500, ErrorCodeServerError},
		{503, ErrorCodeServerError},
		{418, ErrorCodeUnknown},
	}
	for _, tt := range tests {
		if got := codeForStatus(tt.status); got != tt.want {
			t.Errorf("codeForStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestWithRetry(t *testing.T) {
	t.Run("retries retryable errors", func(t *testing.T) {
		calls := 0
		out, err := withRetry(context.Background(), 3, func() (string, error) {
			calls++
			if calls < 3 {
				return "", NewProviderError("x", ErrorCodeServerError, "flaky", nil)
			}
			return "ok", nil
		})
		if err != nil || out != "ok" {
			t.Fatalf("withRetry = %q, %v", out, err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("stops on non-retryable errors", func(t *testing.T) {
		calls := 0
		_, err := withRetry(context.Background(), 3, func() (string, error) {
			calls++
			return "", NewProviderError("x", ErrorCodeInvalidRequest, "bad", nil)
		})
		if err == nil || calls != 1 {
			t.Fatalf("calls = %d, err = %v", calls, err)
		}
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		_, err := withRetry(context.Background(), 2, func() (string, error) {
			calls++
			return "", NewProviderError("x", ErrorCodeTimeout, "slow", nil)
		})
		if err == nil || calls != 2 {
			t.Fatalf("calls = %d, err = %v", calls, err)
		}
	})

	t.Run("honors cancellation between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		_, err := withRetry(ctx, 3, func() (string, error) {
			cancel()
			return "", NewProviderError("x", ErrorCodeServerError, "down", nil)
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}
