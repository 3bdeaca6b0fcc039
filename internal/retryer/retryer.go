package retryer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Policy controls how often and how quickly a database operation is retried.
type Policy struct {
	MaxAttempts   int           // Total attempts including the first one
	InitialDelay  time.Duration // Delay before the second attempt
	MaxDelay      time.Duration // Upper bound for the backoff
	BackoffFactor float64       // Multiplicative factor between attempts
}

// DefaultPolicy returns the policy used by the PostgreSQL store.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}
}

// IsTransientError determines if an error is a transient database error.
// Serialization failures and deadlocks are transient: the ledger transaction that lost
// the race can simply run again.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return false
		}
		switch pgErr.Code[:2] {
		case "08", // connection exception
			"53", // insufficient resources
			"57": // operator intervention
			return true
		}
		return pgErr.Code == "40P01" || pgErr.Code == "40001"
	}

	if errors.Is(err, pgx.ErrTxClosed) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection") &&
		(strings.Contains(errMsg, "reset") ||
			strings.Contains(errMsg, "closed") ||
			strings.Contains(errMsg, "refused"))
}

// Do executes fn, retrying transient failures according to policy.
// Non-transient errors are returned immediately and unwrapped so callers can still
// match sentinel errors.
func Do(ctx context.Context, logger *zap.Logger, policy Policy, operation string, fn func() error) error {
	delay := policy.InitialDelay
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransientError(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		logger.Warn("Retrying database operation due to transient error",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * policy.BackoffFactor)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	logger.Warn("Database operation failed after retries",
		zap.String("operation", operation),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return fmt.Errorf("%s: after %d attempts: %w", operation, attempts, lastErr)
}
