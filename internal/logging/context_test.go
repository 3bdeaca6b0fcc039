package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewCorrelationIDIsStable(t *testing.T) {
	ctx, id := NewCorrelationID(context.Background())
	if id == "" {
		t.Fatal("expected generated correlation id")
	}
	ctx2, id2 := NewCorrelationID(ctx)
	if id2 != id || GetCorrelationID(ctx2) != id {
		t.Fatalf("correlation id changed: %q -> %q", id, id2)
	}
}

func TestFromContextAddsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := WithJobID(WithCorrelationID(context.Background(), "corr-1"), "job-9")
	FromContext(ctx, base).Info("dispatching")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["correlation_id"] != "corr-1" || fields["job_id"] != "job-9" {
		t.Fatalf("unexpected fields %v", fields)
	}
}
