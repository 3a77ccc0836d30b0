package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"
)

func TestNewGeminiProvider_RequiresCredentials(t *testing.T) {
	if _, err := NewGeminiProvider(Config{}); err == nil {
		t.Fatal("expected error without api key or project")
	}
}

func TestGeminiProvider_CreateCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "models/gemini-1.5-flash:generateContent") {
			t.Errorf("Path = %q", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["systemInstruction"]; !ok {
			t.Error("systemInstruction missing")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Apple"}, {"text": " Inc."}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 2, "totalTokenCount": 5}
		}`))
	}))
	defer server.Close()

	p, err := NewGeminiProvider(Config{APIKey: "test-key", BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("NewGeminiProvider: %v", err)
	}
	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "system", Content: "Be brief."}, {Role: "user", Content: "Who files AAPL?"}},
	})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if resp.Content != "Apple Inc." || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 5 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestToGeminiSchema(t *testing.T) {
	schema, err := toGeminiSchema(json.RawMessage(`{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"company": {"type": ["string", "null"], "enum": ["AAPL", "MSFT", null]},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["company"]
	}`))
	if err != nil {
		t.Fatalf("toGeminiSchema: %v", err)
	}

	if schema.Type != genai.TypeObject {
		t.Errorf("Type = %q", schema.Type)
	}
	company := schema.Properties["company"]
	if company == nil || company.Type != genai.TypeString {
		t.Fatalf("company = %+v", company)
	}
	if company.Nullable == nil || !*company.Nullable {
		t.Error("company should be nullable")
	}
	if len(company.Enum) != 2 {
		t.Errorf("Enum = %v, want nulls stripped", company.Enum)
	}
	if tags := schema.Properties["tags"]; tags == nil || tags.Items == nil || tags.Items.Type != genai.TypeString {
		t.Errorf("tags = %+v", tags)
	}
	if len(schema.Required) != 1 {
		t.Errorf("Required = %v", schema.Required)
	}
}

func TestBuildGeminiContents(t *testing.T) {
	contents, system := buildGeminiContents([]Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
	})
	if system == nil || system.Parts[0].Text != "sys" {
		t.Fatalf("system = %+v", system)
	}
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if contents[1].Role != "model" || contents[2].Role != "user" {
		t.Errorf("roles = %q, %q", contents[1].Role, contents[2].Role)
	}
}

func TestGenerationConfig_ZeroTemperature(t *testing.T) {
	cfg := generationConfig(CompletionRequest{Temperature: 0, MaxTokens: 20})
	if cfg.Temperature == nil || *cfg.Temperature != 0 {
		t.Errorf("Temperature = %v, want explicit 0", cfg.Temperature)
	}
	if cfg.MaxOutputTokens != 20 {
		t.Errorf("MaxOutputTokens = %d", cfg.MaxOutputTokens)
	}
}

func TestParseGeminiResponse(t *testing.T) {
	if _, err := parseGeminiResponse(&genai.GenerateContentResponse{}); err == nil {
		t.Error("expected error for empty candidates")
	}

	_, err := parseGeminiResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
	})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Code != ErrorCodeContentFiltered {
		t.Errorf("err = %v, want content_filtered", err)
	}
}

func TestWrapGeminiError(t *testing.T) {
	err := wrapGeminiError(genai.APIError{Code: 429, Message: "quota", Status: "RESOURCE_EXHAUSTED"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Code != ErrorCodeRateLimit || !pe.IsRetryable {
		t.Errorf("err = %#v", err)
	}

	err = wrapGeminiError(context.DeadlineExceeded)
	if !errors.As(err, &pe) || pe.Code != ErrorCodeTimeout {
		t.Errorf("err = %#v", err)
	}
}
