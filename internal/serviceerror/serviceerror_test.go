package serviceerror

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorWrapsCauseAndCode(t *testing.T) {
	cause := errors.New("boom")
	err := New("canvas.place", "debit_failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	if CodeOf(err) != "canvas.place.debit_failed" {
		t.Fatalf("unexpected code %q", CodeOf(err))
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if CodeOf(wrapped) != "canvas.place.debit_failed" {
		t.Fatalf("expected code through wrapping, got %q", CodeOf(wrapped))
	}
	if CodeOf(cause) != "" {
		t.Fatalf("expected empty code for plain error")
	}
}
