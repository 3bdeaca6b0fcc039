package retryer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

func TestIsTransientError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"context", context.DeadlineExceeded, false},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsTransientError(tc.err); got != tc.want {
			t.Errorf("%s: IsTransientError = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	policy := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}
	err := Do(context.Background(), zap.NewNop(), policy, "debit", func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoReturnsPermanentErrorUnwrapped(t *testing.T) {
	sentinel := errors.New("insufficient")
	calls := 0
	err := Do(context.Background(), zap.NewNop(), DefaultPolicy(), "debit", func() error {
		calls++
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
