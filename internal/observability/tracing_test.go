package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracer(t *testing.T) {
	tests := []struct {
		name   string
		config TraceConfig
	}{
		{
			name: "with endpoint",
			config: TraceConfig{
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
				Endpoint:       "localhost:4317",
				EnableInsecure: true,
			},
		},
		{
			name: "without endpoint (no-op)",
			config: TraceConfig{
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name: "with sampling",
			config: TraceConfig{
				ServiceName:  "test-service",
				SamplingRate: 0.5,
				Endpoint:     "localhost:4317",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, shutdown := NewTracer(tt.config)
			defer func() { _ = shutdown(context.Background()) }()

			if tracer == nil {
				t.Fatal("NewTracer() returned nil")
			}
			if tracer.tracer == nil {
				t.Error("tracer.tracer is nil")
			}
		})
	}
}

func TestTracerStartNoOp(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := tracer.Start(context.Background(), "test-operation", SpanOptions{
		Kind: trace.SpanKindServer,
		Attributes: []attribute.KeyValue{
			attribute.String("key1", "value1"),
		},
	})
	defer span.End()

	if span == nil {
		t.Fatal("Start() returned nil span")
	}
	if got := trace.SpanFromContext(ctx); got == nil {
		t.Error("expected span in returned context")
	}
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	ctx := context.Background()
	if got := GetTraceID(ctx); got != "" {
		t.Errorf("GetTraceID() = %q, want empty", got)
	}
	if got := GetSpanID(ctx); got != "" {
		t.Errorf("GetSpanID() = %q, want empty", got)
	}
}

func TestTracerRecordError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	tracer.RecordError(span, errors.New("provider unreachable"))
	tracer.RecordError(span, nil) // must not panic
}

func TestTracerSetAttributes(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	tracer.SetAttributes(span,
		"provider", "anthropic",
		"iteration", 3,
		"escalated", true,
		42, "odd-key-skipped",
	)
	tracer.AddEvent(span, "tool_executed", "tool_id", "memory.search", "duration_ms", int64(250))
}

func TestDomainSpanHelpers(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()

	ctx, promptSpan := tracer.TracePrompt(ctx, "device", "sess-1")
	defer promptSpan.End()

	_, llmSpan := tracer.TraceLLMRequest(ctx, "deepseek", "deepseek-chat")
	llmSpan.End()

	_, toolSpan := tracer.TraceToolExecution(ctx, "task.dispatch")
	toolSpan.End()

	_, stageSpan := tracer.TracePipelineStage(ctx, "plan", "at-1")
	stageSpan.End()

	_, dbSpan := tracer.TraceDatabaseQuery(ctx, "select", "recurring_tasks")
	dbSpan.End()
}

func TestWithSpan(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})
	defer func() { _ = shutdown(context.Background()) }()

	sentinel := errors.New("boom")
	err := WithSpan(context.Background(), tracer, "op", func(ctx context.Context, span trace.Span) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("WithSpan() error = %v, want %v", err, sentinel)
	}

	err = WithSpan(context.Background(), tracer, "op", func(ctx context.Context, span trace.Span) error {
		return nil
	})
	if err != nil {
		t.Errorf("WithSpan() error = %v, want nil", err)
	}
}

func TestMapCarrier(t *testing.T) {
	carrier := MapCarrier{}
	carrier.Set("traceparent", "00-abc-def-01")

	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Errorf("Get() = %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 || keys[0] != "traceparent" {
		t.Errorf("Keys() = %v", keys)
	}
}
