package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aixgo-dev/finrag/internal/llm/provider"
	"github.com/aixgo-dev/finrag/internal/retrieval"
	"github.com/aixgo-dev/finrag/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidates(contents ...string) []retrieval.Candidate {
	out := make([]retrieval.Candidate, len(contents))
	for i, c := range contents {
		out[i] = retrieval.Candidate{Content: c, Source: retrieval.SourceSemantic}
	}
	return out
}

func fixedScores(scores ...float64) FuncScorer {
	return func(context.Context, string, []string) ([]float64, error) {
		return scores, nil
	}
}

func TestRerank_OrderAndBound(t *testing.T) {
	in := candidates("a", "b", "c", "d")
	r := New(fixedScores(0.1, 0.9, 0.5, 0.7))

	res := r.Rerank(context.Background(), "q", in, 2)
	require.False(t, res.Fallback)
	assert.Equal(t, []string{"b", "d"}, retrieval.Contents(res.Candidates))
	assert.Equal(t, 0.9, res.Candidates[0].Score)
	assert.True(t, res.Candidates[0].Scored)

	// Input untouched.
	assert.False(t, in[0].Scored)
	assert.Equal(t, []string{"a", "b", "c", "d"}, retrieval.Contents(in))
}

func TestRerank_StableOnTies(t *testing.T) {
	r := New(fixedScores(0.3, 0.8, 0.8, 0.8))
	res := r.Rerank(context.Background(), "q", candidates("a", "b", "c", "d"), 3)
	assert.Equal(t, []string{"b", "c", "d"}, retrieval.Contents(res.Candidates))
}

func TestRerank_DefaultTopM(t *testing.T) {
	r := New(fixedScores(1, 2, 3))
	res := r.Rerank(context.Background(), "q", candidates("a", "b", "c"), 0)
	assert.Len(t, res.Candidates, DefaultTopM)

	r = New(fixedScores(1, 2, 3), WithTopM(1))
	assert.Equal(t, 1, r.TopM())
	res = r.Rerank(context.Background(), "q", candidates("a", "b", "c"), 0)
	assert.Equal(t, []string{"c"}, retrieval.Contents(res.Candidates))
}

func TestRerank_Empty(t *testing.T) {
	called := false
	r := New(FuncScorer(func(context.Context, string, []string) ([]float64, error) {
		called = true
		return nil, nil
	}))
	res := r.Rerank(context.Background(), "q", nil, 2)
	assert.NotNil(t, res.Candidates)
	assert.Empty(t, res.Candidates)
	assert.False(t, called)
}

func TestRerank_NeutralFallback(t *testing.T) {
	tests := []struct {
		name   string
		scorer Scorer
	}{
		{"scorer error", FuncScorer(func(context.Context, string, []string) ([]float64, error) {
			return nil, errors.New("cross-encoder offline")
		})},
		{"count mismatch", fixedScores(0.9)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New(tt.scorer).Rerank(context.Background(), "q", candidates("a", "b", "c"), 2)
			assert.True(t, res.Fallback)
			assert.Error(t, res.Err)
			assert.Equal(t, []string{"a", "b"}, retrieval.Contents(res.Candidates))
			for _, c := range res.Candidates {
				assert.Equal(t, NeutralScore, c.Score)
			}
		})
	}
}

func TestRerank_NilScorerKeepsOrder(t *testing.T) {
	res := New(nil).Rerank(context.Background(), "q", candidates("a", "b", "c"), 2)
	assert.False(t, res.Fallback)
	assert.Equal(t, []string{"a", "b"}, retrieval.Contents(res.Candidates))
}

func TestSerialized(t *testing.T) {
	var inFlight, maxInFlight int32
	slow := FuncScorer(func(_ context.Context, _ string, docs []string) ([]float64, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return make([]float64, len(docs)), nil
	})
	s := Serialized(slow)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			_, _ = s.Score(context.Background(), "q", []string{"a"})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))

	// A waiter gives up when its context ends.
	s.mu <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Score(ctx, "q", []string{"a"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-s.mu
}

func TestTEIScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		var req teiRerankRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "apple risks", req.Query)
		assert.Equal(t, []string{"x", "y", "z"}, req.Texts)

		// TEI answers sorted by score, not by input order.
		_, _ = w.Write([]byte(`[{"index":2,"score":0.9},{"index":0,"score":0.4},{"index":1,"score":0.1}]`))
	}))
	defer srv.Close()

	s, err := NewTEIScorer(srv.URL+"/", nil)
	require.NoError(t, err)

	scores, err := s.Score(context.Background(), "apple risks", []string{"x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.4, 0.1, 0.9}, scores)
}

func TestTEIScorer_Errors(t *testing.T) {
	_, err := NewTEIScorer("localhost:8081", nil)
	assert.Error(t, err)

	replies := []struct {
		status int
		body   string
	}{
		{http.StatusServiceUnavailable, "model loading"},
		{http.StatusOK, `not json`},
		{http.StatusOK, `[{"index":5,"score":0.9}]`},
		{http.StatusOK, `[{"index":0,"score":0.9}]`},
	}
	for _, reply := range replies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(reply.status)
			_, _ = w.Write([]byte(reply.body))
		}))
		s, err := NewTEIScorer(srv.URL, nil)
		require.NoError(t, err)
		_, err = s.Score(context.Background(), "q", []string{"a", "b"})
		assert.Error(t, err, reply.body)
		srv.Close()
	}
}

func TestLLMScorer(t *testing.T) {
	p := testutil.NewMockProvider("")
	p.CompletionFunc = func(_ context.Context, req provider.CompletionRequest) (string, error) {
		if strings.Contains(req.Messages[1].Content, "relevant passage") {
			return "Score: 9", nil
		}
		return "2", nil
	}

	s := NewLLMScorer(p, "gpt-4o-mini")
	scores, err := s.Score(context.Background(), "q", []string{"noise", "relevant passage"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.9}, scores)
	assert.Equal(t, 2, p.CompletionCalls())
	assert.Equal(t, "gpt-4o-mini", p.LastRequest().Model)

	p.CompletionFunc = func(context.Context, provider.CompletionRequest) (string, error) { return "very relevant", nil }
	_, err = s.Score(context.Background(), "q", []string{"doc"})
	assert.ErrorIs(t, err, ErrUnparsableScore)
}

func TestParseScore(t *testing.T) {
	v, err := parseScore(" 10 ")
	require.NoError(t, err)
	assert.Equal(t, 10.0, v)

	v, err = parseScore("7/10")
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)

	_, err = parseScore("eleven")
	assert.Error(t, err)
}
