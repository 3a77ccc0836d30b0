package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"time"
)

// ElasticsearchIndex queries a pre-built Elasticsearch index with BM25
// multi_match. Documents are expected as {"content": ..., "metadata": {...}}.
type ElasticsearchIndex struct {
	endpoint string
	index    string
	username string
	password string
	client   *http.Client
}

// ElasticsearchOptions configures an ElasticsearchIndex.
type ElasticsearchOptions struct {
	// Endpoint is the cluster URL, e.g. http://es:9200.
	Endpoint string
	Index    string
	Username string
	Password string
	Client   *http.Client
}

// NewElasticsearchIndex validates opts and returns the index client.
func NewElasticsearchIndex(opts ElasticsearchOptions) (*ElasticsearchIndex, error) {
	if opts.Endpoint == "" || opts.Index == "" {
		return nil, fmt.Errorf("elasticsearch endpoint and index are required")
	}
	u, err := url.Parse(opts.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid elasticsearch endpoint %q", opts.Endpoint)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ElasticsearchIndex{
		endpoint: opts.Endpoint,
		index:    opts.Index,
		username: opts.Username,
		password: opts.Password,
		client:   client,
	}, nil
}

type esSearchRequest struct {
	Size  int                    `json:"size"`
	Query map[string]interface{} `json:"query"`
}

type esHit struct {
	ID     string  `json:"_id"`
	Score  float64 `json:"_score"`
	Source struct {
		Content  string                 `json:"content"`
		Metadata map[string]interface{} `json:"metadata"`
	} `json:"_source"`
}

type esSearchResponse struct {
	Hits struct {
		Hits []esHit `json:"hits"`
	} `json:"hits"`
}

// Search implements KeywordIndex.
func (e *ElasticsearchIndex) Search(ctx context.Context, text string, k int, filter map[string]string) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}

	body, err := json.Marshal(buildQuery(text, k, filter))
	if err != nil {
		return nil, fmt.Errorf("encode elasticsearch query: %w", err)
	}

	u, _ := url.Parse(e.endpoint)
	u.Path = path.Join(u.Path, e.index, "_search")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.username != "" {
		req.SetBasicAuth(e.username, e.password)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elasticsearch status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var esr esSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&esr); err != nil {
		return nil, fmt.Errorf("decode elasticsearch response: %w", err)
	}

	out := make([]Candidate, 0, len(esr.Hits.Hits))
	for _, h := range esr.Hits.Hits {
		if h.Source.Content == "" {
			continue
		}
		out = append(out, Candidate{
			Content:  h.Source.Content,
			Metadata: stringMetadata(h.Source.Metadata),
			Source:   SourceKeyword,
		})
	}
	return out, nil
}

func buildQuery(text string, k int, filter map[string]string) esSearchRequest {
	match := map[string]interface{}{
		"multi_match": map[string]interface{}{
			"query":  text,
			"fields": []string{"content"},
		},
	}
	if len(filter) == 0 {
		return esSearchRequest{Size: k, Query: match}
	}

	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	terms := make([]map[string]interface{}, 0, len(keys))
	for _, key := range keys {
		terms = append(terms, map[string]interface{}{
			"term": map[string]interface{}{"metadata." + key: filter[key]},
		})
	}
	return esSearchRequest{
		Size: k,
		Query: map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   match,
				"filter": terms,
			},
		},
	}
}
