package service

import (
	"context"
	"testing"
)

func TestRequestID(t *testing.T) {
	ctx := context.Background()

	if _, ok := RequestIDFrom(ctx); ok {
		t.Error("expected no request id on a bare context")
	}

	if _, ok := RequestIDFrom(WithRequestID(ctx, "")); ok {
		t.Error("expected empty request id to be ignored")
	}

	id, ok := RequestIDFrom(WithRequestID(ctx, "req-9"))
	if !ok || id != "req-9" {
		t.Errorf("expected req-9, got %q (ok=%v)", id, ok)
	}
}
