package pos

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sealbid/engine/internal/metrics"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

const (
	failureThreshold = 5
	openCooldown     = 60 * time.Second
	callTimeout      = 5 * time.Second
)

// ErrCircuitOpen is returned when the breaker is OPEN and fails the call
// fast without invoking the downstream provider.
var ErrCircuitOpen = errors.New("pos: circuit open")

// ErrTimeout is returned when a call exceeds the hard per-call timeout.
// Distinct from a raw context.DeadlineExceeded so callers can tell "POS not
// reached" (safe retry) apart from "POS reached, outcome unknown".
var ErrTimeout = errors.New("pos: timeout")

// Breaker wraps a Provider with the CLOSED/HALF_OPEN/OPEN state machine
// from the spec. It is a process-wide singleton by construction (one
// Breaker per Provider), exposed behind the same Provider interface so
// callers can't tell the difference.
type Breaker struct {
	inner Provider

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
}

func NewBreaker(inner Provider) *Breaker {
	b := &Breaker{inner: inner, state: StateClosed}
	metrics.CircuitState.Set(0)
	return b
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow decides, under lock, whether this call may proceed, transitioning
// OPEN->HALF_OPEN when the cooldown has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailureTime) >= openCooldown {
			b.state = StateHalfOpen
			metrics.CircuitState.Set(1)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.state = StateClosed
	metrics.CircuitState.Set(0)
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.lastFailureTime = time.Now()
		metrics.CircuitState.Set(2)
		metrics.CircuitTrips.Inc()
		return
	}

	b.failureCount++
	if b.failureCount >= failureThreshold {
		b.state = StateOpen
		b.lastFailureTime = time.Now()
		metrics.CircuitState.Set(2)
		metrics.CircuitTrips.Inc()
	}
}

// execute runs fn under the breaker's admission check, the hard timeout,
// and the success/failure bookkeeping. fn's second return value being
// non-nil (a transport-level failure) counts as a breaker failure; fn's
// first return value's own success flag does NOT — a well-formed
// success=false POS response is a business outcome, not a breaker trip.
func execute[T any](b *Breaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		v, err := fn(callCtx)
		resultCh <- outcome{v, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			b.onFailure()
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				metrics.POSTimeouts.Inc()
				return zero, ErrTimeout
			}
			return zero, r.err
		}
		b.onSuccess()
		return r.val, nil
	case <-callCtx.Done():
		b.onFailure()
		metrics.POSTimeouts.Inc()
		return zero, ErrTimeout
	}
}

func (b *Breaker) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	return execute(b, ctx, func(c context.Context) (CaptureResult, error) {
		return b.inner.Capture(c, req)
	})
}

func (b *Breaker) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	return execute(b, ctx, func(c context.Context) (RefundResult, error) {
		return b.inner.Refund(c, req)
	})
}
