package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrProvider, "agent call failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithProvider("writer")

	if GetErrorCode(err) != ErrProvider {
		t.Fatalf("expected code %s, got %s", ErrProvider, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrRunTerminal, "run already completed")
	wrapped := fmt.Errorf("cancel: %w", inner)

	if GetErrorCode(wrapped) != ErrRunTerminal {
		t.Fatalf("expected code through wrapping, got %q", GetErrorCode(wrapped))
	}
	if IsRetryable(wrapped) {
		t.Fatalf("terminal errors are not retryable")
	}
	if AsError(wrapped) != inner {
		t.Fatalf("AsError should return the wrapped *Error")
	}

	plain := AsError(errors.New("boom"))
	if plain.Code != ErrInternalError {
		t.Fatalf("expected internal error code, got %s", plain.Code)
	}
}
