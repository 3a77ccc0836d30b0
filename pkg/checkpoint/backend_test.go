package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestFileBackend_SkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	var logs strings.Builder
	store, err := NewFileBackend(dir, zerolog.New(&logs))
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Put(ctx, "thread", []byte("good"), 1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Simulate a torn write after the good record.
	f, err := os.OpenFile(filepath.Join(dir, "thread.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := f.WriteString(`{"id":"01","threadId":"thread","step":2,"payl` + "\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = f.Close()

	rec, err := store.GetLatest(ctx, "thread")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if rec.Step != 1 || string(rec.Payload) != "good" {
		t.Errorf("got step %d payload %q, want step 1 %q", rec.Step, rec.Payload, "good")
	}
	if !strings.Contains(logs.String(), "skipping unreadable checkpoint line") {
		t.Errorf("expected a warning for the torn line, logs: %s", logs.String())
	}

	// The next write continues from the last valid step.
	if _, err := store.Put(ctx, "thread", []byte("next"), 2); err != nil {
		t.Fatalf("Put after torn line failed: %v", err)
	}
}

func TestFileBackend_SkipsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileBackend(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Put(ctx, "thread", []byte("one"), 1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := store.Put(ctx, "thread", []byte("two"), 2); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	path := filepath.Join(dir, "thread.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"checksum":"`, `"checksum":"00`, 1)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	rec, err := store.GetLatest(ctx, "thread")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if rec.Step != 1 {
		t.Errorf("expected fallback to step 1, got %d", rec.Step)
	}
}

func TestMemoryBackend_ReturnsCopies(t *testing.T) {
	store := NewMemoryBackend()
	ctx := context.Background()

	if _, err := store.Put(ctx, "thread", []byte("abc"), 1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	rec, err := store.GetLatest(ctx, "thread")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	rec.Payload[0] = 'z'

	again, err := store.GetLatest(ctx, "thread")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if string(again.Payload) != "abc" {
		t.Errorf("stored payload was mutated: %q", again.Payload)
	}
	if store.Count("thread") != 1 {
		t.Errorf("Count = %d, want 1", store.Count("thread"))
	}
}

func TestRedisBackend_KeepTrimsHistory(t *testing.T) {
	_, store := setupMiniredis(t, 2)
	ctx := context.Background()

	for step := int64(1); step <= 5; step++ {
		if _, err := store.Put(ctx, "thread", []byte{byte('0' + step)}, step); err != nil {
			t.Fatalf("Put step %d failed: %v", step, err)
		}
	}

	n, err := store.Count(ctx, "thread")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}

	rec, err := store.GetLatest(ctx, "thread")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if rec.Step != 5 {
		t.Errorf("latest step = %d, want 5", rec.Step)
	}
}

func TestRedisBackend_KeyLayout(t *testing.T) {
	mr, store := setupMiniredis(t, 0)
	ctx := context.Background()

	if _, err := store.Put(ctx, "abc", []byte("x"), 1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !mr.Exists("test:thread:abc") {
		t.Errorf("expected key test:thread:abc, keys: %v", mr.Keys())
	}
}

func TestRedisBackend_ServerDown(t *testing.T) {
	mr, store := setupMiniredis(t, 0)
	mr.Close()

	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail once the server is gone")
	}
	_, err := store.Put(context.Background(), "thread", []byte("x"), 1)
	if err == nil || errors.Is(err, ErrStaleStep) {
		t.Fatalf("expected a transport error, got %v", err)
	}
}

func TestSQLBackend_LatestByStep(t *testing.T) {
	store := setupSQL(t)
	ctx := context.Background()

	for step := int64(1); step <= 3; step++ {
		if _, err := store.Put(ctx, "thread", []byte{byte('a' + step)}, step*10); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	rec, err := store.GetLatest(ctx, "thread")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if rec.Step != 30 {
		t.Errorf("latest step = %d, want 30", rec.Step)
	}
	if err := rec.Verify(); err != nil {
		t.Errorf("round-tripped record failed verification: %v", err)
	}
}

// putTwoSteps writes steps 1 and 2 for "thread".
func putTwoSteps(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Put(ctx, "thread", []byte("one"), 1); err != nil {
		t.Fatalf("Put step 1 failed: %v", err)
	}
	if _, err := store.Put(ctx, "thread", []byte("two"), 2); err != nil {
		t.Fatalf("Put step 2 failed: %v", err)
	}
}

// assertRecoversFromCorruptLatest checks that a corrupt newest record is
// skipped on read and replaced by the next write at the same step.
func assertRecoversFromCorruptLatest(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	rec, err := store.GetLatest(ctx, "thread")
	if err != nil {
		t.Fatalf("GetLatest with a corrupt newest record failed: %v", err)
	}
	if rec.Step != 1 || string(rec.Payload) != "one" {
		t.Fatalf("got step %d payload %q, want step 1 %q", rec.Step, rec.Payload, "one")
	}

	if _, err := store.Put(ctx, "thread", []byte("again"), 2); err != nil {
		t.Fatalf("Put over the corrupt step failed: %v", err)
	}
	rec, err = store.GetLatest(ctx, "thread")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if rec.Step != 2 || string(rec.Payload) != "again" {
		t.Errorf("got step %d payload %q, want step 2 %q", rec.Step, rec.Payload, "again")
	}
}

func TestMemoryBackend_SkipsCorruptLatest(t *testing.T) {
	store := NewMemoryBackend()
	putTwoSteps(t, store)

	store.threads["thread"][1].Payload = []byte("tampered")

	assertRecoversFromCorruptLatest(t, store)
	if store.Count("thread") != 2 {
		t.Errorf("Count = %d, want 2", store.Count("thread"))
	}
}

func TestRedisBackend_SkipsCorruptLatest(t *testing.T) {
	mr := miniredis.RunT(t)
	var logs strings.Builder
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisBackendFromClient(client, "test:", 0, zerolog.New(&logs))
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	putTwoSteps(t, store)

	key := store.threadKey("thread")
	members, err := client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "2", Max: "2"}).Result()
	if err != nil || len(members) != 1 {
		t.Fatalf("read step 2 member: %v %v", members, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(members[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rec.Payload = []byte("tampered")
	tampered, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	client.ZRem(ctx, key, members[0])
	client.ZAdd(ctx, key, redis.Z{Score: 2, Member: tampered})
	client.ZAdd(ctx, key, redis.Z{Score: 3, Member: `{"step":3,"payl`})

	assertRecoversFromCorruptLatest(t, store)

	n, err := store.Count(ctx, "thread")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2 after the corrupt members were replaced", n)
	}
	if !strings.Contains(logs.String(), "skipping corrupt checkpoint") ||
		!strings.Contains(logs.String(), "skipping unreadable checkpoint") {
		t.Errorf("expected warnings for both skipped members, logs: %s", logs.String())
	}
}

func TestSQLBackend_SkipsCorruptLatest(t *testing.T) {
	store := setupSQL(t)
	var logs strings.Builder
	store.log = zerolog.New(&logs)

	putTwoSteps(t, store)

	if err := store.db.Model(&checkpointRow{}).
		Where("thread_id = ? AND step = ?", "thread", 2).
		Update("payload", []byte("tampered")).Error; err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	assertRecoversFromCorruptLatest(t, store)
	if !strings.Contains(logs.String(), "skipping corrupt checkpoint") {
		t.Errorf("expected a warning for the corrupt row, logs: %s", logs.String())
	}

	var n int64
	if err := store.db.Model(&checkpointRow{}).Where("thread_id = ?", "thread").Count(&n).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("row count = %d, want 2", n)
	}
}
