package provider

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// unwrapper is implemented by the wrappers in this file.
type unwrapper interface {
	Unwrap() Provider
}

// CheckModel runs the model availability check of the innermost provider
// that supports one. Providers without a check pass.
func CheckModel(ctx context.Context, p Provider, model string) error {
	for p != nil {
		if c, ok := p.(Checker); ok {
			return c.CheckModel(ctx, model)
		}
		u, ok := p.(unwrapper)
		if !ok {
			return nil
		}
		p = u.Unwrap()
	}
	return nil
}

// SerializedProvider holds a mutex around each inference call. It is used for
// local runtimes that cannot serve concurrent requests.
type SerializedProvider struct {
	mu    sync.Mutex
	inner Provider
}

// Serialized wraps p so at most one call runs at a time.
func Serialized(p Provider) *SerializedProvider {
	return &SerializedProvider{inner: p}
}

func (s *SerializedProvider) Name() string { return s.inner.Name() }

func (s *SerializedProvider) Unwrap() Provider { return s.inner }

func (s *SerializedProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.inner.CreateCompletion(ctx, req)
}

func (s *SerializedProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.inner.CreateStructured(ctx, req)
}

// lock gives up if ctx ends while another call holds the mutex.
func (s *SerializedProvider) lock(ctx context.Context) error {
	if s.mu.TryLock() {
		return nil
	}
	acquired := make(chan struct{})
	go func() {
		s.mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		// Release the lock once the pending acquisition completes.
		go func() {
			<-acquired
			s.mu.Unlock()
		}()
		return NewProviderError(s.inner.Name(), ErrorCodeTimeout, "waiting for model: "+ctx.Err().Error(), ctx.Err())
	}
}

// RateLimitedProvider waits on a token bucket before each call.
type RateLimitedProvider struct {
	limiter *rate.Limiter
	inner   Provider
}

// RateLimited caps p to perSecond requests with the given burst.
func RateLimited(p Provider, perSecond float64, burst int) *RateLimitedProvider {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), inner: p}
}

func (r *RateLimitedProvider) Name() string { return r.inner.Name() }

func (r *RateLimitedProvider) Unwrap() Provider { return r.inner }

func (r *RateLimitedProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.CreateCompletion(ctx, req)
}

func (r *RateLimitedProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.CreateStructured(ctx, req)
}

func (r *RateLimitedProvider) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return NewProviderError(r.inner.Name(), ErrorCodeRateLimit, "rate limit wait: "+err.Error(), err)
	}
	return nil
}
