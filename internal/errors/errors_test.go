package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindAndCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Transient("session.GetQR", "chip-1", cause)

	if !IsTransient(err) {
		t.Fatalf("expected transient kind, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if IsRejected(err) {
		t.Fatalf("transient error must not match rejected")
	}

	wrapped := fmt.Errorf("create chip: %w", err)
	var typed *Error
	if !errors.As(wrapped, &typed) {
		t.Fatalf("expected *Error in chain")
	}
	if typed.Entity != "chip-1" {
		t.Fatalf("entity = %q", typed.Entity)
	}
	want := "session.GetQR chip-1: upstream temporarily unavailable: dial tcp: connection refused"
	if typed.Error() != want {
		t.Fatalf("message = %q, want %q", typed.Error(), want)
	}
}

func TestIsValidation(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Invalid("chips.Create", "", "alias required"), true},
		{New("chips.Create", "", ErrAlreadyExists, nil), true},
		{New("chips.Create", "", ErrQuotaExceeded, nil), true},
		{Exhausted("runtime.allocatePort", "", "no port"), false},
		{Transient("x", "", nil), false},
	}
	for i, tc := range cases {
		if got := IsValidation(tc.err); got != tc.want {
			t.Errorf("case %d: IsValidation(%v) = %v, want %v", i, tc.err, got, tc.want)
		}
	}
}
