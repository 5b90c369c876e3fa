package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sealbid/engine/internal/money"
)

// ErrIllegalTransition guards every deposit mutation against leaving the
// expected source state, per spec.md §3's "service must not attempt
// illegal transitions".
var ErrIllegalTransition = errors.New("store: illegal deposit transition")

type DepositRepository struct{ db *gorm.DB }

func NewDepositRepository(db *gorm.DB) *DepositRepository { return &DepositRepository{db: db} }

func (r *DepositRepository) WithTx(tx *gorm.DB) *DepositRepository { return &DepositRepository{db: tx} }

func (r *DepositRepository) Get(ctx context.Context, id string) (*Deposit, error) {
	var d Deposit
	if err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// LockForUpdate reads a deposit row FOR UPDATE, required before any status
// transition.
func (r *DepositRepository) LockForUpdate(ctx context.Context, id string) (*Deposit, error) {
	var d Deposit
	err := r.db.WithContext(ctx).Clauses(clauseForUpdate).First(&d, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DepositRepository) ListByAuction(ctx context.Context, auctionID string) ([]Deposit, error) {
	var deposits []Deposit
	err := r.db.WithContext(ctx).Where("auction_id = ?", auctionID).Find(&deposits).Error
	return deposits, err
}

// TransitionDeposit moves a deposit from expectedFrom to to, appending
// exactly one DepositTransition and one PaymentLedger event in the same
// transaction as the Deposit UPDATE. Caller must already hold the row's
// pessimistic lock (have called LockForUpdate in this same transaction).
func (r *DepositRepository) TransitionDeposit(
	ctx context.Context,
	deposit *Deposit,
	expectedFrom, to DepositStatus,
	event string,
	ledgerAmount money.Money,
	currency string,
	metadata map[string]string,
) error {
	if deposit.Status != expectedFrom {
		return fmt.Errorf("%w: deposit %s is %s, expected %s", ErrIllegalTransition, deposit.ID, deposit.Status, expectedFrom)
	}

	deposit.Status = to
	if err := r.db.WithContext(ctx).Save(deposit).Error; err != nil {
		return fmt.Errorf("store: save deposit %s: %w", deposit.ID, err)
	}

	transition := DepositTransition{
		ID:        NewID(),
		DepositID: deposit.ID,
		FromState: expectedFrom,
		ToState:   to,
		Event:     event,
	}
	if err := r.db.WithContext(ctx).Create(&transition).Error; err != nil {
		return fmt.Errorf("store: insert transition for deposit %s: %w", deposit.ID, err)
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("store: marshal ledger metadata: %w", err)
	}
	ledger := PaymentLedger{
		ID:        NewID(),
		DepositID: deposit.ID,
		Event:     event,
		Amount:    ledgerAmount,
		Currency:  currency,
		Metadata:  metaJSON,
	}
	if err := r.db.WithContext(ctx).Create(&ledger).Error; err != nil {
		return fmt.Errorf("store: insert ledger event for deposit %s: %w", deposit.ID, err)
	}
	return nil
}

func (r *DepositRepository) InsertRefund(ctx context.Context, refund *Refund) error {
	if refund.ID == "" {
		refund.ID = NewID()
	}
	return r.db.WithContext(ctx).Create(refund).Error
}

func (r *DepositRepository) GetRefundByIdempotencyKey(ctx context.Context, key string) (*Refund, error) {
	var ref Refund
	err := r.db.WithContext(ctx).First(&ref, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *DepositRepository) CompleteRefund(ctx context.Context, refund *Refund, posRefundID string, completedAt time.Time) error {
	refund.Status = RefundCompletedStatus
	refund.POSRefundID = posRefundID
	refund.CompletedAt = &completedAt
	return r.db.WithContext(ctx).Save(refund).Error
}
