// Package testutil provides in-memory fakes of the model and embedding
// capabilities for package tests.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/aixgo-dev/finrag/internal/llm/provider"
)

// ErrInjected is the default error returned by fakes told to fail.
var ErrInjected = errors.New("testutil: injected failure")

// MockProvider is a scripted provider.Provider. Completions and structured
// calls are answered by their funcs, or by fixed replies when the funcs are nil.
type MockProvider struct {
	mu sync.Mutex

	CompletionFunc func(ctx context.Context, req provider.CompletionRequest) (string, error)
	StructuredFunc func(ctx context.Context, req provider.StructuredRequest) (json.RawMessage, error)

	reply      string
	structured json.RawMessage
	err        error

	completionCalls int
	structuredCalls int
	requests        []provider.CompletionRequest
}

// NewMockProvider returns a provider answering every completion with reply.
func NewMockProvider(reply string) *MockProvider {
	return &MockProvider{reply: reply}
}

// Name implements provider.Provider.
func (m *MockProvider) Name() string { return "mock" }

// SetReply sets the fixed completion reply.
func (m *MockProvider) SetReply(reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reply = reply
}

// SetStructured sets the fixed structured reply.
func (m *MockProvider) SetStructured(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.structured = json.RawMessage(data)
}

// SetError makes every call fail with err.
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// CreateCompletion implements provider.Provider.
func (m *MockProvider) CreateCompletion(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	m.mu.Lock()
	m.completionCalls++
	m.requests = append(m.requests, req)
	fn, reply, err := m.CompletionFunc, m.reply, m.err
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		out, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		reply = out
	}
	return &provider.CompletionResponse{Content: reply, FinishReason: "stop"}, nil
}

// CreateStructured implements provider.Provider.
func (m *MockProvider) CreateStructured(ctx context.Context, req provider.StructuredRequest) (*provider.StructuredResponse, error) {
	m.mu.Lock()
	m.structuredCalls++
	m.requests = append(m.requests, req.CompletionRequest)
	fn, data, err := m.StructuredFunc, m.structured, m.err
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		out, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		data = out
	}
	return &provider.StructuredResponse{
		Data:               data,
		CompletionResponse: provider.CompletionResponse{Content: string(data), FinishReason: "stop"},
	}, nil
}

// CompletionCalls returns the number of CreateCompletion calls.
func (m *MockProvider) CompletionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completionCalls
}

// StructuredCalls returns the number of CreateStructured calls.
func (m *MockProvider) StructuredCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.structuredCalls
}

// LastRequest returns the most recent request, or the zero value.
func (m *MockProvider) LastRequest() provider.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return provider.CompletionRequest{}
	}
	return m.requests[len(m.requests)-1]
}

// MockEmbedder is a deterministic embeddings.EmbeddingService. Texts
// registered with Set get their vector; others are hashed into one.
type MockEmbedder struct {
	mu      sync.Mutex
	dims    int
	vectors map[string][]float32
	err     error
	calls   int
}

// NewMockEmbedder creates an embedder producing dims-sized vectors.
func NewMockEmbedder(dims int) *MockEmbedder {
	return &MockEmbedder{dims: dims, vectors: make(map[string][]float32)}
}

// Set fixes the vector returned for text.
func (m *MockEmbedder) Set(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[text] = vec
}

// SetError makes every call fail with err.
func (m *MockEmbedder) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the number of texts embedded.
func (m *MockEmbedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Embed implements embeddings.EmbeddingService.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vectors[text]; ok {
		return append([]float32(nil), v...), nil
	}
	return HashVector(text, m.dims), nil
}

// EmbedBatch implements embeddings.EmbeddingService.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions implements embeddings.EmbeddingService.
func (m *MockEmbedder) Dimensions() int { return m.dims }

// ModelName implements embeddings.EmbeddingService.
func (m *MockEmbedder) ModelName() string { return "mock-embedder" }

// Close implements embeddings.EmbeddingService.
func (m *MockEmbedder) Close() error { return nil }

// HashVector derives a unit vector from the words of text, so texts sharing
// words are close and unrelated texts are far apart.
func HashVector(text string, dims int) []float32 {
	v := make([]float32, dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		v[int(h.Sum32())%dims]++
	}
	return Normalize(v)
}

// Normalize scales v to unit length. The zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// VectorWithCosine returns a unit vector in two dimensions (padded to dims)
// whose cosine similarity to the first basis vector is cos.
func VectorWithCosine(cos float64, dims int) []float32 {
	v := make([]float32, dims)
	v[0] = float32(cos)
	v[1] = float32(math.Sqrt(1 - cos*cos))
	return v
}
