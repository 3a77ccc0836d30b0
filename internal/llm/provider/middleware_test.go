package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// slowProvider tracks how many calls run at once.
type slowProvider struct {
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (s *slowProvider) Name() string { return "slow" }

func (s *slowProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(s.delay)
	return &CompletionResponse{Content: "ok"}, nil
}

func (s *slowProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	resp, err := s.CreateCompletion(ctx, req.CompletionRequest)
	if err != nil {
		return nil, err
	}
	return &StructuredResponse{Data: []byte(`{}`), CompletionResponse: *resp}, nil
}

type checkingProvider struct {
	scriptedProvider
	checked string
}

func (c *checkingProvider) CheckModel(ctx context.Context, model string) error {
	c.checked = model
	if model == "missing" {
		return errors.New("not found")
	}
	return nil
}

func TestSerialized_OneCallAtATime(t *testing.T) {
	inner := &slowProvider{delay: 10 * time.Millisecond}
	p := Serialized(inner)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = p.CreateCompletion(context.Background(), CompletionRequest{})
			} else {
				_, err = p.CreateStructured(context.Background(), StructuredRequest{})
			}
			if err != nil {
				t.Errorf("call %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := inner.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent calls = %d, want 1", got)
	}
}

func TestSerialized_ContextCancelledWhileWaiting(t *testing.T) {
	inner := &slowProvider{delay: 100 * time.Millisecond}
	p := Serialized(inner)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = p.CreateCompletion(context.Background(), CompletionRequest{})
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.CreateCompletion(ctx, CompletionRequest{})

	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Code != ErrorCodeTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}

	// The mutex must still be usable afterwards.
	if _, err := p.CreateCompletion(context.Background(), CompletionRequest{}); err != nil {
		t.Fatalf("call after cancellation: %v", err)
	}
}

func TestRateLimited(t *testing.T) {
	p := RateLimited(&scriptedProvider{}, 1, 1)

	if _, err := p.CreateCompletion(context.Background(), CompletionRequest{}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// The bucket is empty and the next token is a second away.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.CreateCompletion(ctx, CompletionRequest{})

	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Code != ErrorCodeRateLimit {
		t.Fatalf("err = %v, want rate limit", err)
	}
}

func TestCheckModel(t *testing.T) {
	inner := &checkingProvider{}
	p := Instrumented(Serialized(RateLimited(inner, 10, 1)))

	if err := CheckModel(context.Background(), p, "llama3"); err != nil {
		t.Fatalf("CheckModel: %v", err)
	}
	if inner.checked != "llama3" {
		t.Errorf("checked = %q", inner.checked)
	}
	if err := CheckModel(context.Background(), p, "missing"); err == nil {
		t.Error("expected error for missing model")
	}

	// Providers without a check pass.
	if err := CheckModel(context.Background(), Instrumented(&scriptedProvider{}), "x"); err != nil {
		t.Errorf("CheckModel without checker = %v", err)
	}
}

func TestInstrumented(t *testing.T) {
	inner := &scriptedProvider{
		replies: []string{"first", `{"a":1}`},
		errs:    []error{nil, nil, errors.New("boom")},
	}
	p := Instrumented(inner)

	if Instrumented(p) != p {
		t.Error("Instrumented should not double wrap")
	}

	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{Model: "m"})
	if err != nil || resp.Content != "first" {
		t.Fatalf("CreateCompletion = %+v, %v", resp, err)
	}

	sresp, err := p.CreateStructured(context.Background(), StructuredRequest{})
	if err != nil || string(sresp.Data) != `{"a":1}` {
		t.Fatalf("CreateStructured = %+v, %v", sresp, err)
	}

	if _, err := p.CreateCompletion(context.Background(), CompletionRequest{}); err == nil || err.Error() != "boom" {
		t.Fatalf("err = %v, want boom", err)
	}
}
