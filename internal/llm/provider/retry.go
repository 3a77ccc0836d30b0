package provider

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

const (
	defaultMaxRetries = 3
	retryMaxDelay     = 32 * time.Second
	retryJitterFactor = 0.3
)

// retryBaseDelay is a variable so tests can shorten it.
var retryBaseDelay = 1 * time.Second

// withRetry runs call until it succeeds, returns a non-retryable error, or
// attempts are exhausted. Errors are expected to be *ProviderError already.
func withRetry[T any](ctx context.Context, attempts int, call func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		out, err := call()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

func backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 31 {
		shift = 31
	}
	delay := time.Duration(1<<uint(shift)) * retryBaseDelay
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(float64(delay) * retryJitterFactor * (cryptoRandFloat64()*2 - 1))
	return delay + jitter
}

func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}
