package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrOptimisticConflict is returned by UpdateWithVersion when the row's
// version no longer matches the expected prior value.
var ErrOptimisticConflict = errors.New("store: optimistic version conflict")

// AuctionRepository is the sole writer path for the Auction aggregate.
type AuctionRepository struct{ db *gorm.DB }

func NewAuctionRepository(db *gorm.DB) *AuctionRepository { return &AuctionRepository{db: db} }

// WithTx returns a repository bound to an in-flight transaction.
func (r *AuctionRepository) WithTx(tx *gorm.DB) *AuctionRepository { return &AuctionRepository{db: tx} }

func (r *AuctionRepository) Get(ctx context.Context, id string) (*Auction, error) {
	var a Auction
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// LockForUpdate reads the auction row with SELECT ... FOR UPDATE, the
// pessimistic-lock requirement for every lifecycle/settlement mutation.
func (r *AuctionRepository) LockForUpdate(ctx context.Context, id string) (*Auction, error) {
	var a Auction
	err := r.db.WithContext(ctx).
		Clauses(clauseForUpdate).
		First(&a, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListExpiredLiveOrEnding returns auctions whose effective end has passed,
// for the lifecycle worker's poll (C6 step 1).
func (r *AuctionRepository) ListExpiredLiveOrEnding(ctx context.Context, now time.Time) ([]Auction, error) {
	var auctions []Auction
	err := r.db.WithContext(ctx).
		Where("status IN ? AND ? >= COALESCE(extended_until, scheduled_end)",
			[]AuctionStatus{AuctionLive, AuctionEnding}, now).
		Find(&auctions).Error
	return auctions, err
}

// ListEnded returns auctions in ENDED status, for the settlement worker's
// initiation phase (C8 phase A).
func (r *AuctionRepository) ListEnded(ctx context.Context) ([]Auction, error) {
	var auctions []Auction
	err := r.db.WithContext(ctx).Where("status = ?", AuctionEnded).Find(&auctions).Error
	return auctions, err
}

// UpdateWithVersion performs the P12 optimistic-concurrency update: sets
// current_price/bid_count/version, succeeding only if the row's version
// still equals priorVersion.
func (r *AuctionRepository) UpdateWithVersion(ctx context.Context, a *Auction, priorVersion int64) error {
	res := r.db.WithContext(ctx).Model(&Auction{}).
		Where("id = ? AND version = ?", a.ID, priorVersion).
		Updates(map[string]interface{}{
			"current_price":  a.CurrentPrice,
			"bid_count":      a.BidCount,
			"version":        a.Version,
			"extended_until": a.ExtendedUntil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticConflict
	}
	return nil
}

// TransitionStatus performs a plain status transition under the caller's
// existing pessimistic lock (the row must already be locked FOR UPDATE in
// this transaction).
func (r *AuctionRepository) TransitionStatus(ctx context.Context, id string, to AuctionStatus, mutate func(*Auction)) error {
	var a Auction
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return err
	}
	a.Status = to
	if mutate != nil {
		mutate(&a)
	}
	if err := r.db.WithContext(ctx).Save(&a).Error; err != nil {
		return fmt.Errorf("store: transition auction %s to %s: %w", id, to, err)
	}
	return nil
}

func (r *AuctionRepository) InsertBidRejection(ctx context.Context, rej *BidRejection) error {
	if rej.ID == "" {
		rej.ID = NewID()
	}
	return r.db.WithContext(ctx).Create(rej).Error
}
