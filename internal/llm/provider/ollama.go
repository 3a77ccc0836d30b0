package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const ollamaDefaultURL = "http://localhost:11434"

func init() {
	RegisterFactory("ollama", func(cfg Config) (Provider, error) {
		return NewOllamaProvider(cfg.BaseURL, cfg.Timeout)
	})
}

// OllamaProvider talks to a local Ollama runtime over its HTTP API. Local
// runtimes are not safe for concurrent inference; New wraps them with
// Serialized when the config marks them local.
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaProvider validates baseURL and builds the HTTP client.
func NewOllamaProvider(baseURL string, timeout time.Duration) (*OllamaProvider, error) {
	if baseURL == "" {
		baseURL = ollamaDefaultURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme: %q", parsed.Scheme)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &OllamaProvider{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			// Redirects are not followed so requests stay on the configured host.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Name returns the provider name
func (o *OllamaProvider) Name() string {
	return "ollama"
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// CreateCompletion calls /api/chat without streaming.
func (o *OllamaProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return o.chat(ctx, req, nil)
}

// CreateStructured passes the schema as Ollama's "format" and validates the
// reply like the prompt-based providers do.
func (o *OllamaProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	format := req.ResponseSchema
	if len(format) == 0 {
		format = json.RawMessage(`"json"`)
	}
	return structuredViaPrompt(ctx, completerFunc{name: o.Name(), fn: func(ctx context.Context, r CompletionRequest) (*CompletionResponse, error) {
		return o.chat(ctx, r, format)
	}}, req)
}

func (o *OllamaProvider) chat(ctx context.Context, req CompletionRequest, format json.RawMessage) (*CompletionResponse, error) {
	options := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Format:   format,
		Options:  options,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		code := ErrorCodeServerError
		if errors.Is(err, context.DeadlineExceeded) {
			code = ErrorCodeTimeout
		}
		return nil, NewProviderError("ollama", code, err.Error(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		pe := NewProviderError("ollama", codeForStatus(resp.StatusCode),
			fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))), nil)
		pe.StatusCode = resp.StatusCode
		return nil, pe
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, NewProviderError("ollama", ErrorCodeUnknown, "decode response", err)
	}

	finish := chatResp.DoneReason
	if finish == "" {
		finish = "stop"
	}
	return &CompletionResponse{
		Content:      chatResp.Message.Content,
		FinishReason: finish,
		Usage: Usage{
			PromptTokens:     chatResp.PromptEvalCount,
			CompletionTokens: chatResp.EvalCount,
			TotalTokens:      chatResp.PromptEvalCount + chatResp.EvalCount,
		},
	}, nil
}

// ListModels returns the names reported by /api/tags.
func (o *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(data))
	}

	var result struct {
		Models []struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// CheckModel fails unless the runtime lists model. A bare name matches its
// ":latest" tag.
func (o *OllamaProvider) CheckModel(ctx context.Context, model string) error {
	names, err := o.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == model || name == model+":latest" {
			return nil
		}
	}
	return NewProviderError("ollama", ErrorCodeModelNotFound,
		fmt.Sprintf("model %q not found in ollama (available: %s)", model, strings.Join(names, ", ")), nil)
}

// completerFunc adapts a function to Provider for structuredViaPrompt.
type completerFunc struct {
	name string
	fn   func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

func (c completerFunc) Name() string { return c.name }

func (c completerFunc) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return c.fn(ctx, req)
}

func (c completerFunc) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	return structuredViaPrompt(ctx, c, req)
}
