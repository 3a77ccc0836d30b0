package retrieval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"unicode"
)

// Okapi BM25 parameters.
const (
	BM25K1 = 1.5
	BM25B  = 0.75
)

// CorpusRecord is one line of a JSONL keyword corpus.
type CorpusRecord struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type bm25Doc struct {
	record CorpusRecord
	tf     map[string]int
	length int
}

// BM25Index is an in-memory Okapi BM25 index. It is immutable after loading
// and safe for concurrent searches.
type BM25Index struct {
	docs  []bm25Doc
	df    map[string]int
	avgdl float64
}

// LoadBM25 reads a JSONL corpus file.
func LoadBM25(path string) (*BM25Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keyword corpus: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadBM25(f)
}

// ReadBM25 builds an index from JSONL records. Blank lines are skipped.
func ReadBM25(r io.Reader) (*BM25Index, error) {
	var records []CorpusRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec CorpusRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("keyword corpus line %d: %w", line, err)
		}
		if rec.Content == "" {
			return nil, fmt.Errorf("keyword corpus line %d: empty content", line)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read keyword corpus: %w", err)
	}
	return NewBM25Index(records), nil
}

// NewBM25Index indexes records in order. Ties in search are broken by this order.
func NewBM25Index(records []CorpusRecord) *BM25Index {
	idx := &BM25Index{
		docs: make([]bm25Doc, 0, len(records)),
		df:   make(map[string]int),
	}
	var total int
	for _, rec := range records {
		tokens := tokenize(rec.Content)
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for t := range tf {
			idx.df[t]++
		}
		idx.docs = append(idx.docs, bm25Doc{record: rec, tf: tf, length: len(tokens)})
		total += len(tokens)
	}
	if len(idx.docs) > 0 {
		idx.avgdl = float64(total) / float64(len(idx.docs))
	}
	return idx
}

// Len returns the number of indexed documents.
func (idx *BM25Index) Len() int { return len(idx.docs) }

// Search implements KeywordIndex. It returns the k best documents among those
// matching filter, best first.
func (idx *BM25Index) Search(ctx context.Context, text string, k int, filter map[string]string) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	terms := tokenize(text)
	type hit struct {
		doc   int
		score float64
	}
	hits := make([]hit, 0, len(idx.docs))
	for i, d := range idx.docs {
		if !matches(d.record.Metadata, filter) {
			continue
		}
		hits = append(hits, hit{doc: i, score: idx.score(d, terms)})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]Candidate, len(hits))
	for i, h := range hits {
		rec := idx.docs[h.doc].record
		out[i] = Candidate{Content: rec.Content, Metadata: rec.Metadata, Source: SourceKeyword}
	}
	return out, nil
}

// Score returns the BM25 score of the document at position i for text.
func (idx *BM25Index) Score(i int, text string) float64 {
	return idx.score(idx.docs[i], tokenize(text))
}

func (idx *BM25Index) score(d bm25Doc, terms []string) float64 {
	n := float64(len(idx.docs))
	var s float64
	for _, t := range terms {
		tf := float64(d.tf[t])
		if tf == 0 {
			continue
		}
		df := float64(idx.df[t])
		idf := math.Log((n-df+0.5)/(df+0.5) + 1)
		norm := 1 - BM25B + BM25B*float64(d.length)/idx.avgdl
		s += idf * tf * (BM25K1 + 1) / (tf + BM25K1*norm)
	}
	return s
}

func matches(md, filter map[string]string) bool {
	for k, v := range filter {
		if md[k] != v {
			return false
		}
	}
	return true
}

// tokenize lower-cases text and splits it on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
