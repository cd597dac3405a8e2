// Package retry provides an injectable retry policy for calls that may hit
// transient I/O failures.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Policy bounds how a failed call is retried.
type Policy struct {
	MaxAttempts int
	// Backoff lists the wait before each retry; the last value repeats.
	Backoff []time.Duration
	// Retryable overrides the default transient-error classifier.
	Retryable func(error) bool
}

// None performs a single attempt.
var None = Policy{MaxAttempts: 1}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as safe to retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked transient, pgx considers the
// failed statement safe to resend, or PostgreSQL aborted the transaction on a
// serialization failure or deadlock.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) || i == attempts-1 {
			return err
		}
		timer := time.NewTimer(p.wait(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

func (p Policy) wait(i int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if i >= len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[i]
}
