package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ctx = WithTraceID(ctx, "t1")
	if got, ok := TraceID(ctx); !ok || got != "t1" {
		t.Fatalf("TraceID mismatch: %v %v", got, ok)
	}

	ctx = WithRequestID(ctx, "req")
	if got, ok := RequestID(ctx); !ok || got != "req" {
		t.Fatalf("RequestID mismatch: %v %v", got, ok)
	}

	ctx = WithSessionID(ctx, "s1")
	if got, ok := SessionID(ctx); !ok || got != "s1" {
		t.Fatalf("SessionID mismatch: %v %v", got, ok)
	}
}

func TestContextHelpers_Empty(t *testing.T) {
	t.Parallel()

	ctx := WithSessionID(context.Background(), "")
	if _, ok := SessionID(ctx); ok {
		t.Fatalf("empty session id should report not found")
	}
	if _, ok := TraceID(context.Background()); ok {
		t.Fatalf("missing trace id should report not found")
	}
}
