package wserr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfUnwrapsWrappedError(t *testing.T) {
	base := New(RateLimited, "too fast")
	wrapped := fmt.Errorf("dispatch failed: %w", base)

	if got := CodeOf(wrapped); got != RateLimited {
		t.Fatalf("CodeOf(wrapped) = %v, want %v", got, RateLimited)
	}
}

func TestCodeOfFallsBackToInternal(t *testing.T) {
	if got := CodeOf(errors.New("plain error")); got != Internal {
		t.Fatalf("CodeOf(plain) = %v, want %v", got, Internal)
	}
}

func TestErrorMessageOmitsColonWhenEmpty(t *testing.T) {
	if got := New(Timeout, "").Error(); got != string(Timeout) {
		t.Fatalf("Error() = %q, want %q", got, string(Timeout))
	}
}
