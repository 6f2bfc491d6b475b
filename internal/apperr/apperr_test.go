package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		NotFound:        404,
		Validation:      422,
		Conflict:        409,
		SafetyViolation: 403,
		Timeout:         408,
		Internal:        500,
	}
	for kind, want := range cases {
		if got := kind.HTTPStatus(); got != want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", kind, got, want)
		}
	}
}

func TestKindOf_UnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(Validation, "bad argument")
	wrapped := fmt.Errorf("runner: %w", base)
	if KindOf(wrapped) != Validation {
		t.Fatalf("expected KindOf to unwrap to Validation, got %s", KindOf(wrapped))
	}
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	if KindOf(errors.New("boom")) != Internal {
		t.Fatal("expected a plain error to classify as Internal")
	}
}

func TestWrap_PreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(SafetyViolation, "blocked", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}
