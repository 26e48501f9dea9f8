package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := New(ClassSandbox, "load_extension", errors.New("boom")).WithSlug("monitor")
	if got := err.Error(); got != "load_extension failed for monitor: boom" {
		t.Fatalf("unexpected message %q", got)
	}

	plain := New(ClassTransient, "fetch_status", errors.New("timeout"))
	if got := plain.Error(); got != "fetch_status failed: timeout" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestIsMatchesClassSentinels(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"tamper", New(ClassTamper, "verify", errors.New("x")), ErrTampered, true},
		{"validation", Validation("activate", errors.New("x")), ErrInvalidInput, true},
		{"not found", New(ClassNotFound, "header", errors.New("x")), ErrNotFound, true},
		{"wrapped sentinel", New(ClassProtocol, "verify", ErrHalted), ErrHalted, true},
		{"mismatch", Transient("fetch", errors.New("x")), ErrTampered, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Fatalf("errors.Is = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassHelpers(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New(ClassTamper, "catalog", errors.New("bad")).WithCode(10002))

	if ClassOf(wrapped) != ClassTamper {
		t.Fatalf("expected tamper class, got %q", ClassOf(wrapped))
	}
	if CodeOf(wrapped) != 10002 {
		t.Fatalf("expected code 10002, got %d", CodeOf(wrapped))
	}
	if !IsFatal(wrapped) {
		t.Fatal("tamper errors must be fatal")
	}
	if !IsFatal(fmt.Errorf("x: %w", ErrHalted)) {
		t.Fatal("halt must be fatal")
	}
	if IsFatal(Transient("fetch", errors.New("x"))) {
		t.Fatal("transient errors are not fatal")
	}
	if !IsRetryable(Transient("fetch", errors.New("x"))) {
		t.Fatal("transient errors are retryable")
	}
	if ClassOf(errors.New("plain")) != "" || CodeOf(errors.New("plain")) != 0 {
		t.Fatal("unclassified errors carry no class or code")
	}
}
