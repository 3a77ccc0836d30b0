package provider

import (
	"context"
	"time"

	"github.com/aixgo-dev/finrag/internal/observability"
	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedProvider wraps a Provider so every call gets a span and is
// counted in the model call metrics.
type InstrumentedProvider struct {
	provider Provider
}

// Instrumented wraps p. Wrapping an already instrumented provider returns it unchanged.
func Instrumented(p Provider) Provider {
	if _, ok := p.(*InstrumentedProvider); ok {
		return p
	}
	return &InstrumentedProvider{provider: p}
}

// Name returns the underlying provider name
func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

func (p *InstrumentedProvider) Unwrap() Provider { return p.provider }

// CreateCompletion creates a completion with automatic instrumentation
func (p *InstrumentedProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	ctx, span := observability.StartSpan(ctx, "llm."+p.provider.Name()+".completion", requestAttributes(p.provider.Name(), request)...)

	start := time.Now()
	response, err := p.provider.CreateCompletion(ctx, request)
	p.finish(span, start, err)
	if err != nil {
		return nil, err
	}

	if response != nil {
		span.SetAttributes(usageAttributes(response)...)
	}
	return response, nil
}

// CreateStructured creates a structured response with automatic instrumentation
func (p *InstrumentedProvider) CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error) {
	attrs := append(requestAttributes(p.provider.Name(), request.CompletionRequest),
		attribute.String("llm.schema_name", request.SchemaName),
		attribute.Bool("llm.strict_schema", request.StrictSchema),
	)
	ctx, span := observability.StartSpan(ctx, "llm."+p.provider.Name()+".structured", attrs...)

	start := time.Now()
	response, err := p.provider.CreateStructured(ctx, request)
	p.finish(span, start, err)
	if err != nil {
		return nil, err
	}

	if response != nil {
		span.SetAttributes(usageAttributes(&response.CompletionResponse)...)
	}
	return response, nil
}

func (p *InstrumentedProvider) finish(span trace.Span, start time.Time, err error) {
	duration := time.Since(start)
	span.SetAttributes(
		attribute.Int64("llm.duration_ms", duration.Milliseconds()),
		attribute.Bool("llm.success", err == nil),
	)

	status := "ok"
	if err != nil {
		status = "error"
	}
	pkgobs.RecordModelCall(p.provider.Name(), status, duration)
	observability.EndSpan(span, err)
}

func requestAttributes(name string, request CompletionRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("llm.provider", name),
		attribute.String("llm.model", request.Model),
		attribute.Float64("llm.temperature", request.Temperature),
		attribute.Int("llm.max_tokens", request.MaxTokens),
		attribute.Int("llm.messages_count", len(request.Messages)),
	}
}

func usageAttributes(response *CompletionResponse) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("llm.usage.prompt_tokens", response.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", response.Usage.CompletionTokens),
		attribute.Int("llm.usage.total_tokens", response.Usage.TotalTokens),
		attribute.String("llm.finish_reason", response.FinishReason),
	}
}
