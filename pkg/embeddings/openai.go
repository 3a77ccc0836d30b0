package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbeddings implements EmbeddingService on the OpenAI embeddings endpoint.
type OpenAIEmbeddings struct {
	client     *openai.Client
	model      string
	dimensions int
}

func init() {
	Register("openai", NewOpenAI)
}

// NewOpenAI creates a new OpenAIEmbeddings instance.
func NewOpenAI(config Config) (EmbeddingService, error) {
	if config.OpenAI == nil {
		return nil, fmt.Errorf("openai configuration is required")
	}
	if err := config.OpenAI.Validate(); err != nil {
		return nil, err
	}

	dims := getOpenAIModelDimensions(config.OpenAI.Model)
	if config.OpenAI.Dimensions > 0 {
		dims = config.OpenAI.Dimensions
	}

	clientConfig := openai.DefaultConfig(config.OpenAI.APIKey)
	clientConfig.BaseURL = config.OpenAI.BaseURL

	return &OpenAIEmbeddings{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      config.OpenAI.Model,
		dimensions: dims,
	}, nil
}

// Embed generates embeddings for a single text.
func (o *OpenAIEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	embeddings, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts, returned in input order.
func (o *OpenAIEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	}
	if isTextEmbedding3Model(o.model) && o.dimensions > 0 {
		req.Dimensions = o.dimensions
	}

	resp, err := o.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embeddings returned from API")
	}

	embeddings := make([][]float32, len(texts))
	seen := make(map[int]bool, len(resp.Data))

	for i, item := range resp.Data {
		if item.Embedding == nil {
			return nil, fmt.Errorf("embedding at response index %d is nil", i)
		}
		if item.Index < 0 || item.Index >= len(embeddings) {
			return nil, fmt.Errorf("embedding index out of bounds: %d (expected 0-%d)", item.Index, len(embeddings)-1)
		}
		if seen[item.Index] {
			return nil, fmt.Errorf("duplicate embedding index: %d", item.Index)
		}
		seen[item.Index] = true
		embeddings[item.Index] = item.Embedding
	}

	for i := range embeddings {
		if !seen[i] {
			return nil, fmt.Errorf("missing embedding at index %d", i)
		}
	}

	return embeddings, nil
}

// Dimensions returns the dimension size of the embeddings.
func (o *OpenAIEmbeddings) Dimensions() int {
	return o.dimensions
}

// ModelName returns the name of the embedding model.
func (o *OpenAIEmbeddings) ModelName() string {
	return o.model
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (o *OpenAIEmbeddings) Close() error {
	return nil
}

func getOpenAIModelDimensions(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// isTextEmbedding3Model checks if the model is a text-embedding-3 model.
// Only these models support custom dimensions.
func isTextEmbedding3Model(model string) bool {
	return model == "text-embedding-3-small" || model == "text-embedding-3-large"
}
