package vectorstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

const loadBatchSize = 256

// LoadJSONL reads pre-embedded documents, one JSON object per line, and upserts
// them into store in batches. Blank lines are skipped. It returns the number of
// documents loaded.
func LoadJSONL(ctx context.Context, store VectorStore, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open seed file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ReadJSONL(ctx, store, f)
}

// ReadJSONL is LoadJSONL over an arbitrary reader.
func ReadJSONL(ctx context.Context, store VectorStore, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		batch  []Document
		total  int
		lineNo int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.Upsert(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var doc Document
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			return total, fmt.Errorf("line %d: %w", lineNo, err)
		}
		batch = append(batch, doc)

		if len(batch) >= loadBatchSize {
			if err := flush(); err != nil {
				return total, fmt.Errorf("upsert batch ending at line %d: %w", lineNo, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, fmt.Errorf("read seed file: %w", err)
	}

	if err := flush(); err != nil {
		return total, fmt.Errorf("upsert final batch: %w", err)
	}
	return total, nil
}
