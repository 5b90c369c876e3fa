package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/sealbid/engine/internal/money"
)

// BidRepository exposes only Insert and read methods — Bid rows are
// append-only by design; there is deliberately no Update or Delete method
// here for a caller to even attempt to call.
type BidRepository struct{ db *gorm.DB }

func NewBidRepository(db *gorm.DB) *BidRepository { return &BidRepository{db: db} }

func (r *BidRepository) WithTx(tx *gorm.DB) *BidRepository { return &BidRepository{db: tx} }

// FindByIdempotencyKey implements the P0/P3 idempotency checks.
func (r *BidRepository) FindByIdempotencyKey(ctx context.Context, key string) (*Bid, error) {
	var b Bid
	err := r.db.WithContext(ctx).First(&b, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Insert appends a new Bid row. The (auction_id, amount) uniqueness
// constraint is enforced by the database; a conflict here surfaces as a
// plain error. bidservice reports AMOUNT_ALREADY_BID from the
// ExistsAtAmount pre-check, not from this error.
func (r *BidRepository) Insert(ctx context.Context, b *Bid) error {
	if b.ID == "" {
		b.ID = NewID()
	}
	return r.db.WithContext(ctx).Create(b).Error
}

// ExistsAtAmount implements the P10 pre-check, done defensively before the
// insert attempt so the common case never has to round-trip a constraint
// violation.
func (r *BidRepository) ExistsAtAmount(ctx context.Context, auctionID string, amount money.Money) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Bid{}).
		Where("auction_id = ? AND amount = ?", auctionID, amount.String()).
		Count(&count).Error
	return count > 0, err
}

// WinningBid selects the winner per spec.md §4.4 step 4: amount DESC,
// server_ts ASC. The (auction_id, amount) uniqueness constraint makes the
// tie-break defensive rather than load-bearing.
func (r *BidRepository) WinningBid(ctx context.Context, auctionID string) (*Bid, error) {
	var b Bid
	err := r.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("amount DESC, server_ts ASC").
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListByAuction returns every accepted bid for an auction in insertion
// order, used by reconciliation and tests asserting property 8 (strictly
// increasing amounts by server_ts).
func (r *BidRepository) ListByAuction(ctx context.Context, auctionID string) ([]Bid, error) {
	var bids []Bid
	err := r.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("server_ts ASC").
		Find(&bids).Error
	return bids, err
}
