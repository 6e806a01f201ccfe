package logging

import (
	"errors"
	"strings"
	"testing"
)

func TestNewOperationErrorNilStaysNil(t *testing.T) {
	if err := NewOperationError("op", "req", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := NewOperationError("upload.save", "req-1", base)

	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to reach the wrapped error")
	}
	if !strings.Contains(err.Error(), "request_id=req-1") {
		t.Fatalf("missing request id in %q", err.Error())
	}
	if got := NewOperationError("upload.save", "", base).Error(); got != "upload.save: boom" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestOperationOfReturnsInnermost(t *testing.T) {
	inner := NewOperationError("cache.set.result", "req", errors.New("redis down"))
	outer := NewOperationError("usecase.predict", "req", inner)

	op, ok := OperationOf(outer)
	if !ok || op != "cache.set.result" {
		t.Fatalf("expected innermost operation, got %q (%v)", op, ok)
	}
	if _, ok := OperationOf(errors.New("plain")); ok {
		t.Fatal("plain error should not report an operation")
	}
}
