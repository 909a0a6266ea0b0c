package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := New(KindStorageFailure, "append timeline", io.ErrShortWrite)

	if !errors.Is(err, ErrStorageFailure) {
		t.Error("Expected storage failure to match ErrStorageFailure")
	}
	if errors.Is(err, ErrConfiguration) {
		t.Error("Storage failure should not match ErrConfiguration")
	}
	if !errors.Is(err, io.ErrShortWrite) {
		t.Error("Expected cause to remain reachable through Unwrap")
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := Newf(KindTransientInput, "validate", "confidence %f out of range", 1.5)
	wrapped := fmt.Errorf("feed: %w", inner)

	if got := KindOf(wrapped); got != KindTransientInput {
		t.Errorf("Expected kind %v, got %v", KindTransientInput, got)
	}
	if got := KindOf(errors.New("plain")); got != 0 {
		t.Errorf("Expected kind 0 for unclassified error, got %v", got)
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(New(KindFatal, "render", errors.New("panic"))) {
		t.Error("Expected fatal error to be reported as fatal")
	}
	if IsFatal(New(KindResourceUnavailable, "open device", nil)) {
		t.Error("Resource errors must not be fatal")
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		err      *Error
		expected string
	}{
		{New(KindConfiguration, "set effect", errors.New("bad mix")), "configuration: set effect: bad mix"},
		{New(KindFatal, "", errors.New("boom")), "fatal: boom"},
		{New(KindStorageFailure, "stop", nil), "storage-failure: stop"},
		{&Error{Kind: KindTransientInput}, "transient-input"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
	}
}
