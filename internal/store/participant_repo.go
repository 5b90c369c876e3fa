package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type ParticipantRepository struct{ db *gorm.DB }

func NewParticipantRepository(db *gorm.DB) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

func (r *ParticipantRepository) WithTx(tx *gorm.DB) *ParticipantRepository {
	return &ParticipantRepository{db: tx}
}

// Get returns the participant row for (auctionID, userID), or nil if the
// user never registered as a participant.
func (r *ParticipantRepository) Get(ctx context.Context, auctionID, userID string) (*AuctionParticipant, error) {
	var p AuctionParticipant
	err := r.db.WithContext(ctx).First(&p, "auction_id = ? AND user_id = ?", auctionID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListEligible returns every eligible participant for an auction, the
// population initiateSettlement iterates over.
func (r *ParticipantRepository) ListEligible(ctx context.Context, auctionID string) ([]AuctionParticipant, error) {
	var participants []AuctionParticipant
	err := r.db.WithContext(ctx).
		Where("auction_id = ? AND eligible = true", auctionID).
		Find(&participants).Error
	return participants, err
}

// HasConsent reports whether a participant has acknowledged auction terms.
func (r *ParticipantRepository) HasConsent(ctx context.Context, auctionID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&AuctionConsent{}).
		Where("auction_id = ? AND user_id = ?", auctionID, userID).
		Count(&count).Error
	return count > 0, err
}
