package pos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sealbid/engine/internal/money"
)

type failingProvider struct{ err error }

func (f *failingProvider) Capture(_ context.Context, _ CaptureRequest) (CaptureResult, error) {
	return CaptureResult{}, f.err
}
func (f *failingProvider) Refund(_ context.Context, _ RefundRequest) (RefundResult, error) {
	return RefundResult{}, f.err
}

type slowProvider struct{ delay time.Duration }

func (s *slowProvider) Capture(ctx context.Context, _ CaptureRequest) (CaptureResult, error) {
	select {
	case <-time.After(s.delay):
		return CaptureResult{Success: true}, nil
	case <-ctx.Done():
		return CaptureResult{}, ctx.Err()
	}
}
func (s *slowProvider) Refund(ctx context.Context, _ RefundRequest) (RefundResult, error) {
	return RefundResult{Success: true}, nil
}

func captureReq() CaptureRequest {
	return CaptureRequest{DepositID: "d1", Amount: money.MustParse("100.00"), Currency: "USD"}
}

func TestBreakerOpensAfterFiveFailures(t *testing.T) {
	b := NewBreaker(&failingProvider{err: errors.New("boom")})
	for i := 0; i < failureThreshold; i++ {
		if _, err := b.Capture(context.Background(), captureReq()); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after %d failures, got %v", failureThreshold, b.State())
	}

	_, err := b.Capture(context.Background(), captureReq())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerDoesNotInvokeDownstreamWhenOpen(t *testing.T) {
	inner := &countingProvider{err: errors.New("boom")}
	b := NewBreaker(inner)
	for i := 0; i < failureThreshold; i++ {
		_, _ = b.Capture(context.Background(), captureReq())
	}
	callsBefore := inner.calls
	_, err := b.Capture(context.Background(), captureReq())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if inner.calls != callsBefore {
		t.Fatalf("downstream should not have been invoked while OPEN")
	}
}

type countingProvider struct {
	calls int
	err   error
}

func (c *countingProvider) Capture(_ context.Context, _ CaptureRequest) (CaptureResult, error) {
	c.calls++
	if c.err != nil {
		return CaptureResult{}, c.err
	}
	return CaptureResult{Success: true}, nil
}
func (c *countingProvider) Refund(_ context.Context, _ RefundRequest) (RefundResult, error) {
	c.calls++
	return RefundResult{Success: true}, nil
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	inner := &countingProvider{}
	b := NewBreaker(inner)
	b.mu.Lock()
	b.state = StateHalfOpen
	b.mu.Unlock()

	if _, err := b.Capture(context.Background(), captureReq()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED after half-open success, got %v", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	inner := &countingProvider{err: errors.New("boom")}
	b := NewBreaker(inner)
	b.mu.Lock()
	b.state = StateHalfOpen
	b.mu.Unlock()

	if _, err := b.Capture(context.Background(), captureReq()); err == nil {
		t.Fatal("expected failure")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after half-open failure, got %v", b.State())
	}
}

func TestBreakerTimeoutCountsAsFailure(t *testing.T) {
	b := NewBreaker(&slowProvider{delay: callTimeout + 2*time.Second})
	_, err := b.Capture(context.Background(), captureReq())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestBreakerTransitionsToHalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker(&countingProvider{})
	b.mu.Lock()
	b.state = StateOpen
	b.lastFailureTime = time.Now().Add(-(openCooldown + time.Second))
	b.mu.Unlock()

	if _, err := b.Capture(context.Background(), captureReq()); err != nil {
		t.Fatalf("unexpected error after cooldown: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED after half-open probe succeeded, got %v", b.State())
	}
}
