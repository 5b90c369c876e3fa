package dbretry

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestDoRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func() error {
		attempts++
		if attempts < maxAttempts {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, attempts)
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func() error {
		attempts++
		return &pgconn.PgError{Code: "40P01"}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, attempts)
	}
}

func TestDoDoesNotRetryBusinessErrors(t *testing.T) {
	attempts := 0
	sentinel := errors.New("not eligible")
	err := Do(context.Background(), func() error {
		attempts++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error back, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("business errors must not be retried, got %d attempts", attempts)
	}
}

func TestIsTransientRecognizesAllListedCodes(t *testing.T) {
	for code := range transientSQLStates {
		if !IsTransient(&pgconn.PgError{Code: code}) {
			t.Fatalf("expected %s to be transient", code)
		}
	}
}
