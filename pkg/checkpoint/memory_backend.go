package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBackend keeps records in process memory. It is used by tests and by
// the single-process CLI when no durable backend is configured.
type MemoryBackend struct {
	mu      sync.RWMutex
	threads map[string][]*Record
	now     func() time.Time
	closed  bool
}

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		threads: make(map[string][]*Record),
		now:     time.Now,
	}
}

// GetLatest returns the valid record with the highest step. Records that
// fail their checksum are skipped.
func (m *MemoryBackend) GetLatest(ctx context.Context, threadID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	i := m.latestLocked(threadID)
	if i < 0 {
		return nil, ErrNotFound
	}
	latest := *m.threads[threadID][i]
	latest.Payload = append([]byte(nil), latest.Payload...)
	return &latest, nil
}

// latestLocked returns the index of the newest record that verifies, or -1.
func (m *MemoryBackend) latestLocked(threadID string) int {
	records := m.threads[threadID]
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Verify() == nil {
			return i
		}
	}
	return -1
}

// Put appends a record after checking that the step advances.
func (m *MemoryBackend) Put(ctx context.Context, threadID string, payload []byte, step int64) (*Record, error) {
	if err := checkPut(threadID, step); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	records := m.threads[threadID]
	i := m.latestLocked(threadID)
	if i >= 0 && records[i].Step >= step {
		return nil, fmt.Errorf("%w: thread %s at step %d, got %d", ErrStaleStep, threadID, records[i].Step, step)
	}

	// Records after the newest valid one are corrupt; the new write replaces them.
	rec := NewRecord(threadID, payload, step, m.now())
	m.threads[threadID] = append(records[:i+1], rec)

	out := *rec
	return &out, nil
}

// Delete drops every record for the thread.
func (m *MemoryBackend) Delete(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	delete(m.threads, threadID)
	return nil
}

// Ping fails only after Close.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close marks the backend closed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Count returns how many records are held for the thread.
func (m *MemoryBackend) Count(threadID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.threads[threadID])
}
