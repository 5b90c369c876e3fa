// Package pos models the external point-of-sale provider as a narrow
// two-method capability (capture, refund), the same shape the teacher uses
// for its ContractClient: a small interface wrapping an external system,
// with variant implementations (mock, chaos) selected at wiring time.
package pos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sealbid/engine/internal/money"
)

// Action distinguishes the two settlement operations, used to build the
// deterministic idempotency key.
type Action string

const (
	ActionCapture Action = "capture"
	ActionRefund  Action = "refund"
)

// IdempotencyKey builds the deterministic key the provider must dedupe on.
func IdempotencyKey(auctionID, depositID string, action Action) string {
	return fmt.Sprintf("settlement:%s:%s:%s", auctionID, depositID, action)
}

// CaptureRequest carries everything the provider needs to capture a
// pre-authorized deposit.
type CaptureRequest struct {
	DepositID        string
	POSTransactionID string
	POSProvider      string
	Amount           money.Money
	Currency         string
	IdempotencyKey   string
	Metadata         map[string]string
}

// RefundRequest mirrors CaptureRequest for the refund path.
type RefundRequest struct {
	DepositID        string
	POSTransactionID string
	POSProvider      string
	Amount           money.Money
	Currency         string
	IdempotencyKey   string
	Metadata         map[string]string
}

// CaptureResult is the provider's response to a capture call.
type CaptureResult struct {
	Success       bool
	POSReference  string
	Message       string
}

// RefundResult is the provider's response to a refund call.
type RefundResult struct {
	Success      bool
	POSRefundID  string
	Message      string
}

// Provider is the capability the settlement service depends on. The
// circuit breaker wraps whichever Provider the process is configured with.
type Provider interface {
	Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// MockProvider is a deterministic, always-succeeding provider used by unit
// tests and local development.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (m *MockProvider) Capture(_ context.Context, req CaptureRequest) (CaptureResult, error) {
	return CaptureResult{Success: true, POSReference: "mock-cap-" + req.IdempotencyKey}, nil
}

func (m *MockProvider) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	return RefundResult{Success: true, POSRefundID: "mock-ref-" + req.IdempotencyKey}, nil
}

// ChaosProvider wraps another Provider and injects configurable random
// failures and random extra-long delays, to exercise the circuit breaker
// and timeout paths in staging. Controlled entirely by the opt-in
// environment toggle surfaced through config.Config. Injected failures are
// returned as errors, which the breaker counts as failures.
type ChaosProvider struct {
	inner       Provider
	failureRate float64
	maxDelay    time.Duration
	rng         *rand.Rand
}

var errChaosInjected = errors.New("chaos: injected failure")

func NewChaosProvider(inner Provider, failureRate float64, maxDelay time.Duration) *ChaosProvider {
	return &ChaosProvider{
		inner:       inner,
		failureRate: failureRate,
		maxDelay:    maxDelay,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *ChaosProvider) delay(ctx context.Context) error {
	if c.maxDelay <= 0 {
		return nil
	}
	d := time.Duration(c.rng.Int63n(int64(c.maxDelay)))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ChaosProvider) shouldFail() bool {
	return c.failureRate > 0 && c.rng.Float64() < c.failureRate
}

func (c *ChaosProvider) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	if err := c.delay(ctx); err != nil {
		return CaptureResult{}, err
	}
	if c.shouldFail() {
		return CaptureResult{}, errChaosInjected
	}
	return c.inner.Capture(ctx, req)
}

func (c *ChaosProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if err := c.delay(ctx); err != nil {
		return RefundResult{}, err
	}
	if c.shouldFail() {
		return RefundResult{}, errChaosInjected
	}
	return c.inner.Refund(ctx, req)
}
