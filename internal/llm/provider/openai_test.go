package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const openaiReply = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": %q}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

func openaiServer(t *testing.T, handler func(t *testing.T, body map[string]any) (int, string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Path = %q, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		status, resp := handler(t, body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
}

func TestOpenAIProvider_Name(t *testing.T) {
	if got := NewOpenAIProvider("k", "").Name(); got != "openai" {
		t.Errorf("Name() = %q", got)
	}
}

func TestOpenAIProvider_CreateCompletion(t *testing.T) {
	server := openaiServer(t, func(t *testing.T, body map[string]any) (int, string) {
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v, want default gpt-4o-mini", body["model"])
		}
		temp, ok := body["temperature"].(float64)
		if !ok || temp <= 0 || temp > 1e-30 {
			t.Errorf("temperature = %v, want a tiny positive value for 0", body["temperature"])
		}
		msgs, _ := body["messages"].([]any)
		if len(msgs) != 2 {
			t.Errorf("messages = %d, want 2", len(msgs))
		}
		return http.StatusOK, fmt.Sprintf(openaiReply, "Revenue grew 8%.", "stop")
	})
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL)
	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: "You are an analyst."},
			{Role: "user", Content: "How did revenue change?"},
		},
	})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if resp.Content != "Revenue grew 8%." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" || resp.Usage.TotalTokens != 15 {
		t.Errorf("FinishReason = %q, Usage = %+v", resp.FinishReason, resp.Usage)
	}
}

func TestOpenAIProvider_CreateStructured(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"refined_query":{"type":"string"}},"required":["refined_query"],"additionalProperties":false}`)

	server := openaiServer(t, func(t *testing.T, body map[string]any) (int, string) {
		format, _ := body["response_format"].(map[string]any)
		if format["type"] != "json_schema" {
			t.Errorf("response_format.type = %v", format["type"])
		}
		js, _ := format["json_schema"].(map[string]any)
		if js["name"] != "refined_query" || js["strict"] != true {
			t.Errorf("json_schema = %v", js)
		}
		return http.StatusOK, fmt.Sprintf(openaiReply, `{"refined_query":"Apple risk factors"}`, "stop")
	})
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL)
	resp, err := p.CreateStructured(context.Background(), StructuredRequest{
		CompletionRequest: CompletionRequest{Model: "gpt-4o", Messages: []Message{{Role: "user", Content: "apple risks"}}},
		ResponseSchema:    schema,
		SchemaName:        "refined_query",
		StrictSchema:      true,
	})
	if err != nil {
		t.Fatalf("CreateStructured: %v", err)
	}

	var out struct {
		RefinedQuery string `json:"refined_query"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if out.RefinedQuery != "Apple risk factors" {
		t.Errorf("RefinedQuery = %q", out.RefinedQuery)
	}
}

func TestOpenAIProvider_StructuredRejectsInvalidJSON(t *testing.T) {
	server := openaiServer(t, func(t *testing.T, body map[string]any) (int, string) {
		return http.StatusOK, fmt.Sprintf(openaiReply, "not json", "stop")
	})
	defer server.Close()

	_, err := NewOpenAIProvider("test-key", server.URL).CreateStructured(context.Background(), StructuredRequest{
		CompletionRequest: CompletionRequest{Messages: []Message{{Role: "user", Content: "x"}}},
	})
	if err == nil {
		t.Fatal("expected error for non-JSON content")
	}
}

func TestOpenAIProvider_ContentFilter(t *testing.T) {
	server := openaiServer(t, func(t *testing.T, body map[string]any) (int, string) {
		return http.StatusOK, fmt.Sprintf(openaiReply, "", "content_filter")
	})
	defer server.Close()

	_, err := NewOpenAIProvider("test-key", server.URL).CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "x"}},
	})
	pe, ok := err.(*ProviderError)
	if !ok || pe.Code != ErrorCodeContentFiltered {
		t.Fatalf("err = %v, want content_filtered", err)
	}
}

func TestOpenAIProvider_Errors(t *testing.T) {
	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := openaiServer(t, func(t *testing.T, body map[string]any) (int, string) {
			calls.Add(1)
			return http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`
		})
		defer server.Close()

		_, err := NewOpenAIProvider("test-key", server.URL).CreateCompletion(context.Background(), CompletionRequest{
			Messages: []Message{{Role: "user", Content: "x"}},
		})
		pe, ok := err.(*ProviderError)
		if !ok || pe.Code != ErrorCodeAuthentication || pe.StatusCode != http.StatusUnauthorized {
			t.Fatalf("err = %#v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})

	t.Run("server errors are retried", func(t *testing.T) {
		var calls atomic.Int32
		server := openaiServer(t, func(t *testing.T, body map[string]any) (int, string) {
			if calls.Add(1) == 1 {
				return http.StatusInternalServerError, `{"error":{"message":"overloaded","type":"server_error"}}`
			}
			return http.StatusOK, fmt.Sprintf(openaiReply, "ok", "stop")
		})
		defer server.Close()

		resp, err := NewOpenAIProvider("test-key", server.URL).CreateCompletion(context.Background(), CompletionRequest{
			Messages: []Message{{Role: "user", Content: "x"}},
		})
		if err != nil {
			t.Fatalf("CreateCompletion: %v", err)
		}
		if resp.Content != "ok" || calls.Load() != 2 {
			t.Errorf("Content = %q, calls = %d", resp.Content, calls.Load())
		}
	})
}
