package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileBackend stores one JSONL file per thread.
// Storage layout:
//
//	<base-dir>/
//	  ├── <thread-id>.jsonl   # one Record per line, steps ascending
//	  └── ...
//
// A torn or corrupted line is skipped on read, so a crash mid-append loses at
// most the record being written.
type FileBackend struct {
	baseDir string
	log     zerolog.Logger
	now     func() time.Time
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a file backend rooted at baseDir.
// If baseDir is empty, uses ~/.finrag/checkpoints.
func NewFileBackend(baseDir string, log zerolog.Logger) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".finrag", "checkpoints")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{baseDir: baseDir, log: log, now: time.Now}, nil
}

func (f *FileBackend) threadPath(threadID string) string {
	return filepath.Join(f.baseDir, threadID+".jsonl")
}

// GetLatest scans the thread file and returns the highest valid step.
func (f *FileBackend) GetLatest(ctx context.Context, threadID string) (*Record, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	return f.latestLocked(threadID)
}

func (f *FileBackend) latestLocked(threadID string) (*Record, error) {
	file, err := os.Open(f.threadPath(threadID)) // #nosec G304 - thread ID validated to prevent traversal
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open checkpoint file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var latest *Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			f.log.Warn().Str("thread_id", threadID).Int("line", lineNo).Err(err).Msg("skipping unreadable checkpoint line")
			continue
		}
		if err := rec.Verify(); err != nil {
			f.log.Warn().Str("thread_id", threadID).Int("line", lineNo).Err(err).Msg("skipping corrupt checkpoint line")
			continue
		}
		if latest == nil || rec.Step > latest.Step {
			r := rec
			latest = &r
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// Put appends one line and syncs the file.
func (f *FileBackend) Put(ctx context.Context, threadID string, payload []byte, step int64) (*Record, error) {
	if err := checkPut(threadID, step); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	latest, err := f.latestLocked(threadID)
	switch {
	case err == nil:
		if latest.Step >= step {
			return nil, fmt.Errorf("%w: thread %s at step %d, got %d", ErrStaleStep, threadID, latest.Step, step)
		}
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	rec := NewRecord(threadID, payload, step, f.now())
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	data = append(data, '\n')

	file, err := os.OpenFile(f.threadPath(threadID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - thread ID validated to prevent traversal
	if err != nil {
		return nil, fmt.Errorf("open checkpoint file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(data); err != nil {
		return nil, fmt.Errorf("write checkpoint: %w", err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("sync checkpoint: %w", err)
	}
	return rec, nil
}

// Delete removes the thread file.
func (f *FileBackend) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := os.Remove(f.threadPath(threadID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint file: %w", err)
	}
	return nil
}

// Ping checks that the base directory is still present.
func (f *FileBackend) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrStorageClosed
	}
	if _, err := os.Stat(f.baseDir); err != nil {
		return fmt.Errorf("stat checkpoint directory: %w", err)
	}
	return nil
}

// Close marks the backend closed.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
