package security

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRateLimiter_BasicEnforcement(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2)

	if !limiter.Allow("client1") {
		t.Error("first request should be allowed")
	}
	if !limiter.Allow("client1") {
		t.Error("second request should be allowed")
	}
	if limiter.Allow("client1") {
		t.Error("third request should be rate limited")
	}
}

func TestRateLimiter_RateReset(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2)

	limiter.Allow("client1")
	limiter.Allow("client1")
	if limiter.Allow("client1") {
		t.Error("request should be rate limited")
	}

	time.Sleep(600 * time.Millisecond)

	if !limiter.Allow("client1") {
		t.Error("request should be allowed after waiting")
	}
}

func TestRateLimiter_MultipleClients(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1)

	if !limiter.Allow("10.0.0.1") {
		t.Error("client1 first request should be allowed")
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("client1 second request should be limited")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Error("client2 has its own bucket")
	}
}

func TestRateLimiter_GlobalLimit(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1)

	allowed := 0
	for i := 0; i < 20; i++ {
		if limiter.Allow(string(rune('a' + i))) {
			allowed++
		}
	}
	// The global bucket refills at 10/s, so a slow run may admit one more.
	if allowed < 10 || allowed > 11 {
		t.Errorf("global bucket should admit about 10 requests, admitted %d", allowed)
	}
}

func TestRateLimiter_WaitContextCancel(t *testing.T) {
	limiter := NewRateLimiter(0.1, 1)
	limiter.Allow("client1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "client1"); err == nil {
		t.Fatal("expected an error once the context ends")
	}
}

func TestRateLimiter_Evict(t *testing.T) {
	limiter := NewRateLimiter(5, 5)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("old")
	now = now.Add(10 * time.Minute)
	limiter.Allow("recent")

	if n := limiter.Evict(5 * time.Minute); n != 1 {
		t.Errorf("Evict() = %d, want 1", n)
	}
	if limiter.Clients() != 1 {
		t.Errorf("Clients() = %d, want 1", limiter.Clients())
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	limiter := NewRateLimiter(100, 100)

	var wg sync.WaitGroup
	var allowed int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("shared") {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
}

func TestEvictor(t *testing.T) {
	limiter := NewRateLimiter(5, 5)

	if _, err := NewEvictor(limiter, "not a schedule", time.Minute, zerolog.Nop()); err == nil {
		t.Error("expected an error for an invalid schedule")
	}
	if _, err := NewEvictor(limiter, "@every 1m", 0, zerolog.Nop()); err == nil {
		t.Error("expected an error for a zero idle timeout")
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		limiter.Allow(ip)
	}
	now = now.Add(time.Hour)

	e, err := NewEvictor(limiter, "@every 1s", 10*time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEvictor failed: %v", err)
	}
	e.Start()
	defer e.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for limiter.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled eviction did not run, %d clients remain", limiter.Clients())
		}
		time.Sleep(50 * time.Millisecond)
	}
}
