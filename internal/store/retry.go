package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// withRetry runs fn up to 3 attempts with jittered exponential backoff
// (50-500ms) on transient database errors, per spec §4.1's failure
// semantics. Schema violations (constraint failures) are never retried —
// they reach the caller as the wrapped Postgres error; no call site maps
// them to apperrors.ErrStoreCorruption.
func withRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.5

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
}

// isTransient reports whether err looks like a retriable connection-level
// failure rather than a schema/constraint violation.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 = connection exception, 40001/40P01 = serialization/deadlock.
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		return false
	}
	// Anything that isn't a recognized Postgres error (network errors,
	// connection-pool exhaustion) is treated as transient.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
