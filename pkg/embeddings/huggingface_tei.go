package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// HuggingFaceTEIEmbeddings implements EmbeddingService using HuggingFace Text Embeddings Inference (TEI).
// See: https://github.com/huggingface/text-embeddings-inference
type HuggingFaceTEIEmbeddings struct {
	endpoint   string
	model      string
	normalize  bool
	dimensions atomic.Int32
	client     *http.Client
}

type teiRequest struct {
	Inputs    interface{} `json:"inputs"`
	Normalize *bool       `json:"normalize,omitempty"`
}

// TEI returns embeddings directly as an array of float arrays.
type teiResponse [][]float32

func init() {
	Register("huggingface_tei", NewHuggingFaceTEI)
}

// NewHuggingFaceTEI creates a TEI client and probes the server for the
// embedding width. A failed probe is logged, and the width is then learned
// from the first successful call.
func NewHuggingFaceTEI(config Config) (EmbeddingService, error) {
	if config.HuggingFaceTEI == nil {
		return nil, fmt.Errorf("huggingface_tei configuration is required")
	}
	if err := config.HuggingFaceTEI.Validate(); err != nil {
		return nil, err
	}

	tei := &HuggingFaceTEIEmbeddings{
		endpoint:  strings.TrimRight(config.HuggingFaceTEI.Endpoint, "/"),
		model:     config.HuggingFaceTEI.Model,
		normalize: config.HuggingFaceTEI.Normalize,
		client:    &http.Client{Timeout: config.HuggingFaceTEI.Timeout},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := tei.Embed(ctx, "test"); err != nil {
		log.Warn().Err(err).Str("endpoint", tei.endpoint).
			Msg("TEI dimension probe failed, dimensions will be determined on first embedding")
	}

	return tei, nil
}

// Embed generates embeddings for a single text.
func (t *HuggingFaceTEIEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	embeddings, err := t.makeRequest(ctx, t.request(text))
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (t *HuggingFaceTEIEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}

	embeddings, err := t.makeRequest(ctx, t.request(texts))
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("TEI returned %d embeddings for %d inputs", len(embeddings), len(texts))
	}
	return embeddings, nil
}

// Dimensions returns the embedding width, or 0 before the first success.
func (t *HuggingFaceTEIEmbeddings) Dimensions() int {
	return int(t.dimensions.Load())
}

// ModelName returns the name of the embedding model.
func (t *HuggingFaceTEIEmbeddings) ModelName() string {
	if t.model != "" {
		return t.model
	}
	return "huggingface-tei"
}

// Close closes any resources held by the service.
func (t *HuggingFaceTEIEmbeddings) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *HuggingFaceTEIEmbeddings) request(inputs interface{}) teiRequest {
	req := teiRequest{Inputs: inputs}
	if t.normalize {
		normalize := true
		req.Normalize = &normalize
	}
	return req
}

func (t *HuggingFaceTEIEmbeddings) makeRequest(ctx context.Context, reqBody teiRequest) ([][]float32, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TEI API error (status %d): %s", resp.StatusCode, string(body))
	}

	var embeddings teiResponse
	if err := json.Unmarshal(body, &embeddings); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(embeddings) > 0 && len(embeddings[0]) > 0 {
		t.dimensions.CompareAndSwap(0, int32(len(embeddings[0]))) //nolint:gosec // bounded by model width
	}
	return embeddings, nil
}
