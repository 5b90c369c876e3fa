package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type ManifestRepository struct{ db *gorm.DB }

func NewManifestRepository(db *gorm.DB) *ManifestRepository { return &ManifestRepository{db: db} }

func (r *ManifestRepository) WithTx(tx *gorm.DB) *ManifestRepository { return &ManifestRepository{db: tx} }

// GetByAuction returns the manifest for an auction, or nil if none exists
// yet. Uniqueness of (auction_id) is the ultimate guard against double
// initiation; this read is a cheap pre-check.
func (r *ManifestRepository) GetByAuction(ctx context.Context, auctionID string) (*SettlementManifest, error) {
	var m SettlementManifest
	err := r.db.WithContext(ctx).First(&m, "auction_id = ?", auctionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// LockForUpdate reads a manifest FOR UPDATE, required before any item or
// status mutation — the per-auction KV lock is the cross-instance guard;
// this row lock is the intra-transaction guard.
func (r *ManifestRepository) LockForUpdate(ctx context.Context, id string) (*SettlementManifest, error) {
	var m SettlementManifest
	err := r.db.WithContext(ctx).Clauses(clauseForUpdate).First(&m, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *ManifestRepository) Create(ctx context.Context, m *SettlementManifest) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *ManifestRepository) Save(ctx context.Context, m *SettlementManifest) error {
	return r.db.WithContext(ctx).Save(m).Error
}

// ListActive returns every ACTIVE manifest, for the settlement worker's
// processing phase (C8 phase B).
func (r *ManifestRepository) ListActive(ctx context.Context) ([]SettlementManifest, error) {
	var manifests []SettlementManifest
	err := r.db.WithContext(ctx).Where("status = ?", ManifestActive).Find(&manifests).Error
	return manifests, err
}

func (r *ManifestRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&SettlementManifest{}).
		Where("status = ?", ManifestActive).Count(&count).Error
	return count, err
}

func (r *ManifestRepository) List(ctx context.Context, status ManifestStatus) ([]SettlementManifest, error) {
	q := r.db.WithContext(ctx).Model(&SettlementManifest{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var manifests []SettlementManifest
	err := q.Find(&manifests).Error
	return manifests, err
}

// ComputeManifestExpiry is the 48-hour manifest expiry window from createdAt.
func ComputeManifestExpiry(createdAt time.Time) time.Time {
	return createdAt.Add(48 * time.Hour)
}
