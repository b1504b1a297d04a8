package observability

import (
	"context"
	"testing"
)

func TestDefaultTracerConfig(t *testing.T) {
	cfg := DefaultTracerConfig("flowrun")
	if cfg.ServiceName != "flowrun" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}
	if cfg.Endpoint != "localhost:4318" || !cfg.Insecure {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestStartSpan_NoProvider(t *testing.T) {
	// Without an initialized provider the no-op tracer must still hand back
	// a usable span.
	ctx, span := StartSpan(context.Background(), "run")
	defer span.End()

	SetSpanAttribute(ctx, "task.id", "align")
	SetSpanError(ctx, nil)

	if SpanFromContext(ctx) == nil {
		t.Fatal("expected span in context")
	}
}
