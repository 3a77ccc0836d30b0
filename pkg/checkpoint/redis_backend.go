package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// scanPage is how many members GetLatest reads per round trip while skipping
// corrupt records.
const scanPage = 8

// RedisBackend keeps each thread in a sorted set scored by step. Members are
// JSON-encoded records.
type RedisBackend struct {
	client *redis.Client
	prefix string
	keep   int64
	log    zerolog.Logger
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	// Prefix is the key prefix for all checkpoint keys (default: "finrag:checkpoint:").
	Prefix string `yaml:"prefix,omitempty"`
	// Keep bounds how many records are retained per thread (0 = all).
	Keep int64 `yaml:"keep,omitempty"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size,omitempty"`
}

// NewRedisBackend dials Redis and verifies the connection.
func NewRedisBackend(cfg RedisConfig, log zerolog.Logger) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix, cfg.Keep, log), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, keep int64, log zerolog.Logger) *RedisBackend {
	if prefix == "" {
		prefix = "finrag:checkpoint:"
	}
	return &RedisBackend{client: client, prefix: prefix, keep: keep, log: log, now: time.Now}
}

func (b *RedisBackend) threadKey(threadID string) string {
	return b.prefix + "thread:" + threadID
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// GetLatest reads members from the highest score down and returns the first
// one that decodes and verifies.
func (b *RedisBackend) GetLatest(ctx context.Context, threadID string) (*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	return b.latestFrom(ctx, b.client, threadID)
}

type zRevRanger interface {
	ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

func (b *RedisBackend) latestFrom(ctx context.Context, c zRevRanger, threadID string) (*Record, error) {
	key := b.threadKey(threadID)
	for start := int64(0); ; start += scanPage {
		members, err := c.ZRevRange(ctx, key, start, start+scanPage-1).Result()
		if err != nil {
			return nil, fmt.Errorf("read latest checkpoint: %w", err)
		}
		for i, m := range members {
			var rec Record
			if err := json.Unmarshal([]byte(m), &rec); err != nil {
				b.log.Warn().Str("thread_id", threadID).Int64("rank", start+int64(i)).Err(err).Msg("skipping unreadable checkpoint")
				continue
			}
			if err := rec.Verify(); err != nil {
				b.log.Warn().Str("thread_id", threadID).Int64("step", rec.Step).Err(err).Msg("skipping corrupt checkpoint")
				continue
			}
			return &rec, nil
		}
		if len(members) < scanPage {
			return nil, ErrNotFound
		}
	}
}

// Put adds a record inside an optimistic transaction on the thread key, so
// two writers racing on the same step cannot both succeed.
func (b *RedisBackend) Put(ctx context.Context, threadID string, payload []byte, step int64) (*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkPut(threadID, step); err != nil {
		return nil, err
	}

	key := b.threadKey(threadID)
	rec := NewRecord(threadID, payload, step, b.now())
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}

	err = b.client.Watch(ctx, func(tx *redis.Tx) error {
		latest, err := b.latestFrom(ctx, tx, threadID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if latest != nil && latest.Step >= step {
			return fmt.Errorf("%w: thread %s at step %d, got %d", ErrStaleStep, threadID, latest.Step, step)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			// Anything at or above step is corrupt and gets replaced.
			pipe.ZRemRangeByScore(ctx, key, strconv.FormatInt(step, 10), "+inf")
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(step), Member: data})
			if b.keep > 0 {
				pipe.ZRemRangeByRank(ctx, key, 0, -(b.keep + 1))
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("%w: concurrent write on thread %s", ErrStaleStep, threadID)
		}
		if errors.Is(err, ErrStaleStep) {
			return nil, err
		}
		return nil, fmt.Errorf("put checkpoint: %w", err)
	}

	return rec, nil
}

// Delete removes the thread's sorted set.
func (b *RedisBackend) Delete(ctx context.Context, threadID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	if err := b.client.Del(ctx, b.threadKey(threadID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// Count returns the number of records retained for the thread.
func (b *RedisBackend) Count(ctx context.Context, threadID string) (int64, error) {
	n, err := b.client.ZCard(ctx, b.threadKey(threadID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count checkpoints: %w", err)
	}
	return n, nil
}

// Ping checks the Redis connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close releases the client.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
