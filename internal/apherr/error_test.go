package apherr

import (
	"errors"
	"testing"
)

func TestWrapPreservesUnwrap(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(KindUnavailable, cause)

	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if wrapped.Kind != KindUnavailable {
		t.Fatalf("expected kind %s, got %s", KindUnavailable, wrapped.Kind)
	}
}

func TestWithPropertiesMerges(t *testing.T) {
	base := New(KindValidation, "bad input").WithProperties(map[string]any{"field": "slug"})
	extended := base.WithProperties(map[string]any{"reason": "empty"})

	if extended.Properties["field"] != "slug" || extended.Properties["reason"] != "empty" {
		t.Fatalf("expected merged properties, got %#v", extended.Properties)
	}
	if base.Properties["reason"] != nil {
		t.Fatalf("WithProperties must not mutate the receiver")
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Kind]bool{
		KindExecution:     true,
		KindTimeout:       true,
		KindUnavailable:   true,
		KindAcquireFailed: true,
		KindValidation:    false,
		KindCancelled:     false,
		KindDuplicate:     false,
	}
	for kind, want := range cases {
		if got := Retryable(New(kind, "")); got != want {
			t.Errorf("Retryable(%s) = %v, want %v", kind, got, want)
		}
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindExecution {
		t.Fatalf("expected plain errors to classify as execution, got %s", got)
	}
}
