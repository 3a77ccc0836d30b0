package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewOllamaProvider_URLValidation(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"", false},
		{"http://localhost:11434", false},
		{"https://ollama.internal/", false},
		{"file:///etc/passwd", true},
		{"gopher://localhost", true},
	}
	for _, tt := range tests {
		_, err := NewOllamaProvider(tt.url, 0)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewOllamaProvider(%q) err = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestOllamaProvider_CreateCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Path = %q", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Stream {
			t.Error("stream should be false")
		}
		if req.Model != "llama3" || req.Options["num_predict"] != float64(64) {
			t.Errorf("model = %q, options = %v", req.Model, req.Options)
		}
		if len(req.Format) != 0 {
			t.Errorf("format = %s, want none", req.Format)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hello"},"done":true,"prompt_eval_count":4,"eval_count":2}`))
	}))
	defer server.Close()

	p, err := NewOllamaProvider(server.URL, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Model:     "llama3",
		MaxTokens: 64,
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if resp.Content != "hello" || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 6 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOllamaProvider_CreateStructured(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"score":{"type":"number","minimum":0,"maximum":1}},"required":["score"]}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if string(req.Format) != string(schema) {
			t.Errorf("format = %s", req.Format)
		}
		if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, "valid JSON object") {
			t.Errorf("expected schema instructions in system message, got %+v", req.Messages[0])
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{\"score\": 0.8}"},"done":true}`))
	}))
	defer server.Close()

	p, _ := NewOllamaProvider(server.URL, time.Second)
	resp, err := p.CreateStructured(context.Background(), StructuredRequest{
		CompletionRequest: CompletionRequest{Model: "llama3", Messages: []Message{{Role: "user", Content: "score it"}}},
		ResponseSchema:    schema,
	})
	if err != nil {
		t.Fatalf("CreateStructured: %v", err)
	}
	if string(resp.Data) != `{"score": 0.8}` {
		t.Errorf("Data = %s", resp.Data)
	}
}

func TestOllamaProvider_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusNotFound)
	}))
	defer server.Close()

	p, _ := NewOllamaProvider(server.URL, time.Second)
	_, err := p.CreateCompletion(context.Background(), CompletionRequest{Model: "x"})
	pe, ok := err.(*ProviderError)
	if !ok || pe.Code != ErrorCodeModelNotFound || pe.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %#v", err)
	}
}

func TestOllamaProvider_CheckModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("Path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"},{"name":"qwen2:7b"}]}`))
	}))
	defer server.Close()

	p, _ := NewOllamaProvider(server.URL, time.Second)
	ctx := context.Background()

	names, err := p.ListModels(ctx)
	if err != nil || len(names) != 2 {
		t.Fatalf("ListModels = %v, %v", names, err)
	}
	for _, model := range []string{"llama3", "llama3:latest", "qwen2:7b"} {
		if err := p.CheckModel(ctx, model); err != nil {
			t.Errorf("CheckModel(%q) = %v", model, err)
		}
	}
	err = p.CheckModel(ctx, "qwen2")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("CheckModel(qwen2) = %v, want not found", err)
	}
}

func TestOllamaProvider_DoesNotFollowRedirects(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("redirect target must not be reached")
	}))
	defer target.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL+"/api/chat", http.StatusTemporaryRedirect)
	}))
	defer server.Close()

	p, _ := NewOllamaProvider(server.URL, time.Second)
	if _, err := p.CreateCompletion(context.Background(), CompletionRequest{Model: "x"}); err == nil {
		t.Fatal("expected error on redirect response")
	}
}
