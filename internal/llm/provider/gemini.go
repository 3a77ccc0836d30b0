package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel    = "gemini-1.5-flash"
	geminiDefaultLocation = "us-central1"
	geminiClientTimeout   = 30 * time.Second
)

func init() {
	RegisterFactory("gemini", func(cfg Config) (Provider, error) {
		return NewGeminiProvider(cfg)
	})
}

// GeminiProvider implements Provider with the Gen AI SDK. An API key selects
// the Gemini API backend; otherwise Vertex AI is used with Application
// Default Credentials.
type GeminiProvider struct {
	client     *genai.Client
	backend    genai.Backend
	maxRetries int
}

// NewGeminiProvider creates the client for the configured backend.
func NewGeminiProvider(cfg Config) (*GeminiProvider, error) {
	clientCfg := &genai.ClientConfig{}
	switch {
	case cfg.APIKey != "":
		clientCfg.APIKey = cfg.APIKey
		clientCfg.Backend = genai.BackendGeminiAPI
	case cfg.ProjectID != "":
		location := cfg.Location
		if location == "" {
			location = geminiDefaultLocation
		}
		clientCfg.Project = cfg.ProjectID
		clientCfg.Location = location
		clientCfg.Backend = genai.BackendVertexAI
	default:
		return nil, fmt.Errorf("GOOGLE_API_KEY or project_id must be set")
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	ctx, cancel := context.WithTimeout(context.Background(), geminiClientTimeout)
	defer cancel()

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiProvider{
		client:     client,
		backend:    clientCfg.Backend,
		maxRetries: defaultMaxRetries,
	}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// CreateCompletion creates a completion using the Gen AI SDK
func (p *GeminiProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	config := generationConfig(req)
	contents, system := buildGeminiContents(req.Messages)
	config.SystemInstruction = system

	return p.generate(ctx, modelOrDefault(req.Model), contents, config)
}

// CreateStructured requests application/json output constrained by the schema.
func (p *GeminiProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	config := generationConfig(req.CompletionRequest)
	config.ResponseMIMEType = "application/json"

	if len(req.ResponseSchema) > 0 {
		schema, err := toGeminiSchema(req.ResponseSchema)
		if err != nil {
			return nil, NewProviderError("gemini", ErrorCodeInvalidRequest, "invalid response schema", err)
		}
		config.ResponseSchema = schema
	}

	contents, system := buildGeminiContents(req.Messages)
	config.SystemInstruction = system

	compResp, err := p.generate(ctx, modelOrDefault(req.Model), contents, config)
	if err != nil {
		return nil, err
	}

	return &StructuredResponse{
		Data:               json.RawMessage(compResp.Content),
		CompletionResponse: *compResp,
	}, nil
}

// CheckModel looks the model up through the Models service.
func (p *GeminiProvider) CheckModel(ctx context.Context, model string) error {
	if _, err := p.client.Models.Get(ctx, modelOrDefault(model), nil); err != nil {
		return wrapGeminiError(err)
	}
	return nil
}

func (p *GeminiProvider) generate(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*CompletionResponse, error) {
	resp, err := withRetry(ctx, p.maxRetries, func() (*genai.GenerateContentResponse, error) {
		resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return nil, wrapGeminiError(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return parseGeminiResponse(resp)
}

func modelOrDefault(model string) string {
	if model == "" {
		return geminiDefaultModel
	}
	return model
}

func generationConfig(req CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		// 0 is a valid, deterministic temperature, so it is always sent.
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	return config
}

// toGeminiSchema converts a JSON Schema into the OpenAPI dialect genai
// expects: upper-case type names, and ["x", "null"] expressed as nullable.
func toGeminiSchema(raw json.RawMessage) (*genai.Schema, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	normalizeGeminiSchema(doc)

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var schema genai.Schema
	if err := json.Unmarshal(normalized, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

func normalizeGeminiSchema(node map[string]any) {
	switch typ := node["type"].(type) {
	case string:
		node["type"] = strings.ToUpper(typ)
	case []any:
		for _, t := range typ {
			name, _ := t.(string)
			if name == "null" {
				node["nullable"] = true
			} else if name != "" {
				node["type"] = strings.ToUpper(name)
			}
		}
	}

	if enum, ok := node["enum"].([]any); ok {
		kept := enum[:0]
		for _, e := range enum {
			if e != nil {
				kept = append(kept, e)
			}
		}
		node["enum"] = kept
	}
	delete(node, "additionalProperties")

	if props, ok := node["properties"].(map[string]any); ok {
		for _, p := range props {
			if child, ok := p.(map[string]any); ok {
				normalizeGeminiSchema(child)
			}
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		normalizeGeminiSchema(items)
	}
}

// buildGeminiContents splits out the system instruction and maps the
// assistant role to "model".
func buildGeminiContents(messages []Message) ([]*genai.Content, *genai.Content) {
	var system *genai.Content
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		if m.Role == "system" {
			system = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
			continue
		}

		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	return contents, system
}

func parseGeminiResponse(resp *genai.GenerateContentResponse) (*CompletionResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewProviderError("gemini", ErrorCodeUnknown, "no candidates in response", nil)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, NewProviderError("gemini", ErrorCodeContentFiltered, "response blocked by safety filter", nil)
	}

	var content strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			content.WriteString(part.Text)
		}
	}

	finishReason := string(candidate.FinishReason)
	if finishReason == "STOP" || finishReason == "" {
		finishReason = "stop"
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &CompletionResponse{
		Content:      content.String(),
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

func wrapGeminiError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		code := codeForStatus(apiErr.Code)
		return &ProviderError{
			Provider:      "gemini",
			Code:          code,
			Message:       apiErr.Message,
			Type:          apiErr.Status,
			StatusCode:    apiErr.Code,
			IsRetryable:   isRetryableError(code),
			OriginalError: err,
		}
	}

	code := ErrorCodeUnknown
	errMsg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(errMsg, "deadline"):
		code = ErrorCodeTimeout
	case strings.Contains(errMsg, "credential") || strings.Contains(errMsg, "authentication"):
		code = ErrorCodeAuthentication
	case strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "quota"):
		code = ErrorCodeRateLimit
	case strings.Contains(errMsg, "unavailable"):
		code = ErrorCodeServerError
	}

	return &ProviderError{
		Provider:      "gemini",
		Code:          code,
		Message:       err.Error(),
		IsRetryable:   isRetryableError(code),
		OriginalError: err,
	}
}
