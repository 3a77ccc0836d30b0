package embeddings

import (
	"context"
	"fmt"
	"math"
	"time"

	"google.golang.org/genai"
)

// GeminiEmbeddings implements EmbeddingService on the Gen AI SDK, against
// either the Gemini API or Vertex AI.
type GeminiEmbeddings struct {
	client     *genai.Client
	model      string
	dimensions int
}

func init() {
	Register("gemini", NewGemini)
}

// NewGemini creates a Gen AI client for embeddings.
func NewGemini(config Config) (EmbeddingService, error) {
	if config.Gemini == nil {
		return nil, fmt.Errorf("gemini configuration is required")
	}
	gc := config.Gemini
	if err := gc.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientConfig := &genai.ClientConfig{APIKey: gc.APIKey, Backend: genai.BackendGeminiAPI}
	if gc.APIKey == "" {
		clientConfig = &genai.ClientConfig{
			Project:  gc.ProjectID,
			Location: gc.Location,
			Backend:  genai.BackendVertexAI,
		}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gen AI client: %w", err)
	}

	dims := gc.Dimensions
	if dims <= 0 {
		dims = 768
	}

	return &GeminiEmbeddings{client: client, model: gc.Model, dimensions: dims}, nil
}

// Embed generates embeddings for a single text.
func (g *GeminiEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	out, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (g *GeminiEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	cfg := &genai.EmbedContentConfig{}
	if g.dimensions > 0 && g.dimensions <= math.MaxInt32 {
		cfg.OutputDimensionality = genai.Ptr(int32(g.dimensions)) //nolint:gosec // bounds checked
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", i)
		}
		out[i] = e.Values
	}
	return out, nil
}

// Dimensions returns the requested output dimensionality.
func (g *GeminiEmbeddings) Dimensions() int {
	return g.dimensions
}

// ModelName returns the name of the embedding model.
func (g *GeminiEmbeddings) ModelName() string {
	return g.model
}

// Close is a no-op for the Gen AI client.
func (g *GeminiEmbeddings) Close() error {
	return nil
}
