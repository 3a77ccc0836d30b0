// Package checkpoint persists conversation state per thread. Each write is a
// new record with a strictly increasing step; readers only ever see the
// record with the highest step.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Common errors for checkpoint operations.
var (
	// ErrNotFound is returned when a thread has no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrStaleStep is returned when a write does not advance the thread's step.
	ErrStaleStep = errors.New("checkpoint step does not advance")
	// ErrChecksumMismatch is returned when a stored payload fails verification.
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
	// ErrStorageClosed is returned when operating on a closed backend.
	ErrStorageClosed = errors.New("checkpoint storage is closed")
	// ErrInvalidThreadID is returned for empty or unsafe thread IDs.
	ErrInvalidThreadID = errors.New("invalid thread ID")
)

// Store abstracts checkpoint persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetLatest returns the record with the highest step for the thread.
	// Returns ErrNotFound if the thread has no checkpoint.
	GetLatest(ctx context.Context, threadID string) (*Record, error)

	// Put appends a record. step must be greater than the current latest step.
	Put(ctx context.Context, threadID string, payload []byte, step int64) (*Record, error)

	// Delete removes every record for the thread. Deleting an unknown thread is not an error.
	Delete(ctx context.Context, threadID string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

// Record is one persisted snapshot of a thread.
type Record struct {
	// ID is a ULID, so records sort by creation time.
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Step      int64     `json:"step"`
	Payload   []byte    `json:"payload"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewRecord builds a record with a fresh ULID and the payload checksum.
func NewRecord(threadID string, payload []byte, step int64, now time.Time) *Record {
	return &Record{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		ThreadID:  threadID,
		Step:      step,
		Payload:   append([]byte(nil), payload...),
		Checksum:  Checksum(payload),
		CreatedAt: now.UTC(),
	}
}

// Verify checks the payload against the stored checksum.
func (r *Record) Verify() error {
	if Checksum(r.Payload) != r.Checksum {
		return fmt.Errorf("%w: thread %s step %d", ErrChecksumMismatch, r.ThreadID, r.Step)
	}
	return nil
}

// Checksum returns the hex SHA-256 of payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ValidateThreadID rejects IDs that are empty, overly long or that could
// escape a file or key namespace.
func ValidateThreadID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidThreadID)
	}
	if len(id) > 256 {
		return fmt.Errorf("%w: longer than 256 bytes", ErrInvalidThreadID)
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: contains path separator or traversal sequence", ErrInvalidThreadID)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7F {
			return fmt.Errorf("%w: contains control character", ErrInvalidThreadID)
		}
	}
	return nil
}

func checkPut(threadID string, step int64) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	if step < 1 {
		return fmt.Errorf("%w: step must be positive, got %d", ErrStaleStep, step)
	}
	return nil
}
