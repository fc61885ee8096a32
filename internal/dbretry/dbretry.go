// Package dbretry retries a transaction body on Postgres serialization
// failures (SQLSTATE 40001), the hazard SERIALIZABLE isolation trades for
// correctness (spec.md's REDESIGN FLAGS: uniform SERIALIZABLE isolation
// across leasestore and viewdiffer operations).
package dbretry

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
)

const serializationFailure = "40001"

// MaxAttempts bounds the total number of runs of a transaction body (the
// first run plus one retry) so a genuinely conflicting workload fails
// loudly instead of looping forever.
const MaxAttempts = 2

// IsSerializationFailure reports whether err is a Postgres serialization
// failure that a retry of the same transaction could plausibly resolve.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == serializationFailure
	}
	return false
}

// Do runs fn at most MaxAttempts times in all, retrying with a small linear
// backoff whenever fn fails with a serialization failure. Any other error, or
// exhausting all attempts, is returned as-is.
func Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsSerializationFailure(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
