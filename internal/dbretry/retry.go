// Package dbretry implements C4: retrying only the transient Postgres
// failure classes named in the spec (deadlock, serialization failure,
// connection reset/refused/admin-shutdown) with exponential, jittered
// backoff. Business and validation errors are never retried here — only
// transient-infra ones, per the error taxonomy.
package dbretry

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

const maxAttempts = 3

// transientSQLStates are the Postgres SQLSTATEs the spec names as safe to
// retry in-process.
var transientSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"08001": true, // sqlclient_unable_to_establish_sqlconnection
	"08004": true, // sqlserver_rejected_establishment_of_sqlconnection
	"08006": true, // connection_failure
	"57P01": true, // admin_shutdown
}

// IsTransient reports whether err is one of the retryable Postgres
// SQLSTATEs, a generic connection-reset/refused error from the network
// layer, or a context deadline.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLStates[pgErr.Code]
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Do runs fn at most maxAttempts times (3 attempts in total), waiting an
// exponentially growing, randomized (jittered) interval between attempts,
// and retries only while IsTransient(err) is true.
// Business/validation errors returned by fn are passed straight back
// without being retried or their message altered.
func Do(ctx context.Context, fn func() error) error {
	attempts := 0
	var lastErr error

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1)
	policy = backoff.WithContext(policy, ctx)

	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return lastErr
	}
	return nil
}
