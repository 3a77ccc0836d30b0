package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each entry in a hash that Redis expires on its own, plus
// an index set of entry IDs. Nearest is a linear scan over the index.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// Prefix is prepended to every key (default "finrag:cache:").
	Prefix string
}

// NewRedisStore dials Redis and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, opts.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client, e.g. one pointed at miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "finrag:cache:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) indexKey() string         { return s.prefix + "index" }
func (s *RedisStore) entryKey(id string) string { return s.prefix + "entry:" + id }

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, e Entry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if e.ID == "" {
		return errors.New("cache entry ID is required")
	}

	key := s.entryKey(e.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":         e.ID,
		"query":      e.Query,
		"answer":     e.Answer,
		"embedding":  encodeVector(e.Embedding),
		"created_at": e.CreatedAt.UnixNano(),
		"expires_at": e.ExpiresAt.UnixNano(),
	})
	pipe.PExpireAt(ctx, key, e.ExpiresAt)
	pipe.SAdd(ctx, s.indexKey(), e.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis add entry: %w", err)
	}
	return nil
}

// Nearest implements Store. Index members whose hash is gone are removed.
func (s *RedisStore) Nearest(ctx context.Context, vec []float32) (*Match, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list entries: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.entryKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis read entries: %w", err)
	}

	now := s.now()
	var best *Match
	var dangling []interface{}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			dangling = append(dangling, ids[i])
			continue
		}
		e, err := decodeEntry(fields)
		if err != nil {
			return nil, err
		}
		if e.Expired(now) {
			continue
		}
		sim := CosineSimilarity(vec, e.Embedding)
		if best == nil || sim > best.Similarity || (sim == best.Similarity && storedBefore(e, best.Entry)) {
			best = &Match{Entry: e, Similarity: sim}
		}
	}

	if len(dangling) > 0 {
		// Best effort: the next scan retries.
		_ = s.client.SRem(ctx, s.indexKey(), dangling...).Err()
	}
	return best, nil
}

// PurgeExpired implements Store. Redis expires the hashes itself; this removes
// their index members and any hash that outlived its expires_at.
func (s *RedisStore) PurgeExpired(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list entries: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.entryKey(id), "expires_at")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis read expiries: %w", err)
	}

	now := s.now()
	var stale []string
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("redis read expiry: %w", err)
		}
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || !now.Before(time.Unix(0, ns)) {
			stale = append(stale, ids[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	del := s.client.TxPipeline()
	members := make([]interface{}, len(stale))
	for i, id := range stale {
		del.Del(ctx, s.entryKey(id))
		members[i] = id
	}
	del.SRem(ctx, s.indexKey(), members...)
	if _, err := del.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis purge: %w", err)
	}
	return len(stale), nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func storedBefore(a, b Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func decodeEntry(fields map[string]string) (Entry, error) {
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("decode cache entry %s: created_at: %w", fields["id"], err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("decode cache entry %s: expires_at: %w", fields["id"], err)
	}
	vec, err := decodeVector(fields["embedding"])
	if err != nil {
		return Entry{}, fmt.Errorf("decode cache entry %s: %w", fields["id"], err)
	}
	return Entry{
		ID:        fields["id"],
		Query:     fields["query"],
		Answer:    fields["answer"],
		Embedding: vec,
		CreatedAt: time.Unix(0, created).UTC(),
		ExpiresAt: time.Unix(0, expires).UTC(),
	}, nil
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(s string) ([]float32, error) {
	if len(s)%4 != 0 {
		return nil, fmt.Errorf("embedding has %d bytes, not a multiple of 4", len(s))
	}
	b := []byte(s)
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
