package trace

import (
	"context"
	"testing"
)

func TestEnsureKeepsExistingTraceID(t *testing.T) {
	ctx := WithContext(context.Background(), "abc")
	ctx, id := Ensure(ctx)
	if id != "abc" || FromContext(ctx) != "abc" {
		t.Fatalf("trace id = %q", id)
	}
}

func TestEnsureGeneratesTraceID(t *testing.T) {
	ctx, id := Ensure(context.Background())
	if len(id) != 32 {
		t.Fatalf("trace id length = %d", len(id))
	}
	if FromContext(ctx) != id {
		t.Fatalf("trace id not stored in context")
	}
}
