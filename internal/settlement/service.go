// Package settlement implements C7 (settlement service) and C8 (settlement
// worker): turning an ENDED auction into capture/refund instructions for
// every eligible deposit, and driving those instructions to completion
// against the POS provider.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sealbid/engine/internal/dbretry"
	"github.com/sealbid/engine/internal/metrics"
	"github.com/sealbid/engine/internal/pos"
	"github.com/sealbid/engine/internal/pubsub"
	"github.com/sealbid/engine/internal/store"
	"github.com/sealbid/engine/internal/wsproto"
)

const (
	MaxRetries           = 3
	ItemsPerTick         = 5
	ManifestExpiry       = 48 * time.Hour
	MaxManifestsPerTick  = 3
	MemorySafetyItemsCap = 500
)

// Service drives one auction's settlement: manifest creation, per-item POS
// dispatch, and manifest finalization.
type Service struct {
	db           *gorm.DB
	auctions     *store.AuctionRepository
	deposits     *store.DepositRepository
	participants *store.ParticipantRepository
	manifests    *store.ManifestRepository
	provider     pos.Provider
	bus          *pubsub.Bus
	log          *zap.Logger
}

func NewService(db *gorm.DB, provider pos.Provider, bus *pubsub.Bus, log *zap.Logger) *Service {
	return &Service{
		db:           db,
		auctions:     store.NewAuctionRepository(db),
		deposits:     store.NewDepositRepository(db),
		participants: store.NewParticipantRepository(db),
		manifests:    store.NewManifestRepository(db),
		provider:     provider,
		bus:          bus,
		log:          log,
	}
}

// InitiateSettlement builds the manifest for an ENDED auction. A second
// call for the same auction is a no-op (the manifest's unique auction_id
// constraint is the ultimate guard; GetByAuction is a cheap pre-check that
// avoids a round trip through the constraint in the common case).
func (s *Service) InitiateSettlement(ctx context.Context, auctionID string) (*store.SettlementManifest, error) {
	var manifest *store.SettlementManifest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auctions := s.auctions.WithTx(tx)
		deposits := s.deposits.WithTx(tx)
		participants := s.participants.WithTx(tx)
		manifests := s.manifests.WithTx(tx)

		a, err := auctions.LockForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		if a.Status != store.AuctionEnded {
			return fmt.Errorf("settlement: auction %s is %s, expected ENDED", auctionID, a.Status)
		}

		if existing, err := manifests.GetByAuction(ctx, auctionID); err != nil {
			return err
		} else if existing != nil {
			manifest = existing
			return nil
		}

		eligible, err := participants.ListEligible(ctx, auctionID)
		if err != nil {
			return err
		}

		winnerID := ""
		if a.WinnerID != nil {
			winnerID = *a.WinnerID
		}

		var items []store.ManifestItem
		for _, p := range eligible {
			dep, err := deposits.Get(ctx, p.DepositID)
			if err != nil {
				return fmt.Errorf("settlement: load deposit %s: %w", p.DepositID, err)
			}
			if dep.Status != store.DepositHeld {
				continue
			}
			action := store.ItemRefund
			if p.UserID == winnerID {
				action = store.ItemCapture
			}
			items = append(items, store.ManifestItem{
				DepositID:      dep.ID,
				UserID:         p.UserID,
				Action:         action,
				Status:         store.ItemPending,
				RetryCount:     0,
				IdempotencyKey: pos.IdempotencyKey(auctionID, dep.ID, posAction(action)),
				Amount:         dep.Amount,
				Currency:       dep.Currency,
			})
		}

		m := &store.SettlementManifest{
			AuctionID:  auctionID,
			Status:     store.ManifestActive,
			ItemsTotal: len(items),
			ExpiresAt:  store.ComputeManifestExpiry(time.Now().UTC()),
		}
		if err := m.EncodeItems(items); err != nil {
			return err
		}
		if err := manifests.Create(ctx, m); err != nil {
			return err
		}

		if err := auctions.TransitionStatus(ctx, auctionID, store.AuctionSettling, nil); err != nil {
			return err
		}
		metrics.StateTransitions.WithLabelValues("ENDED", "SETTLING").Inc()
		metrics.SettlementInitiated.Inc()

		manifest = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

func posAction(a store.ItemAction) pos.Action {
	if a == store.ItemCapture {
		return pos.ActionCapture
	}
	return pos.ActionRefund
}

// ProcessManifestItem dispatches one item to capture or refund, mutating
// it in place. The caller is responsible for persisting the manifest
// afterward so partial progress survives a crash.
func (s *Service) ProcessManifestItem(ctx context.Context, item *store.ManifestItem) {
	var err error
	switch item.Action {
	case store.ItemCapture:
		err = s.processCapture(ctx, item)
	case store.ItemRefund:
		err = s.processRefund(ctx, item)
	}
	if err != nil {
		s.log.Warn("settlement: item processing error",
			zap.String("deposit_id", item.DepositID), zap.String("action", string(item.Action)), zap.Error(err))
	}
	if item.Status == store.ItemFailed {
		metrics.SettlementItemFailures.WithLabelValues(string(item.Action)).Inc()
	}
}

func (s *Service) processCapture(ctx context.Context, item *store.ManifestItem) error {
	dep, err := s.deposits.Get(ctx, item.DepositID)
	if err != nil {
		return err
	}

	if dep.Status == store.DepositCaptured {
		item.Status = store.ItemAcknowledged
		now := time.Now().UTC()
		item.AckAt = &now
		return nil
	}
	if dep.Status != store.DepositHeld {
		item.Status = store.ItemFailed
		item.RetryCount++
		item.FailureReason = fmt.Sprintf("deposit is %s, expected HELD", dep.Status)
		return nil
	}

	now := time.Now().UTC()
	item.Status = store.ItemSent
	item.SentAt = &now

	result, callErr := s.provider.Capture(ctx, pos.CaptureRequest{
		DepositID:      dep.ID,
		Amount:         dep.Amount,
		Currency:       dep.Currency,
		IdempotencyKey: item.IdempotencyKey,
	})
	if callErr != nil {
		return s.handleCaptureOutcome(ctx, item, dep, false, "", callErr)
	}
	return s.handleCaptureOutcome(ctx, item, dep, result.Success, result.POSReference, nil)
}

// handleCaptureOutcome implements steps 6-9 of spec.md §4.5's capture flow:
// circuit-open fails the item without a re-read (POS was not invoked);
// any other exception re-reads the deposit to detect a
// crash-after-POS-success, before treating the call as failed.
func (s *Service) handleCaptureOutcome(ctx context.Context, item *store.ManifestItem, dep *store.Deposit, success bool, posRef string, callErr error) error {
	if callErr != nil {
		if errors.Is(callErr, pos.ErrCircuitOpen) {
			item.Status = store.ItemFailed
			item.RetryCount++
			item.FailureReason = "circuit open"
			return nil
		}
		fresh, err := s.deposits.Get(ctx, dep.ID)
		if err != nil {
			return err
		}
		if fresh.Status == store.DepositCaptured {
			item.Status = store.ItemAcknowledged
			now := time.Now().UTC()
			item.AckAt = &now
			return nil
		}
		item.Status = store.ItemFailed
		item.RetryCount++
		item.FailureReason = callErr.Error()
		return nil
	}

	if !success {
		item.Status = store.ItemFailed
		item.RetryCount++
		item.FailureReason = "pos capture returned success=false"
		return nil
	}

	item.POSReference = posRef
	txErr := dbretry.Do(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			deposits := s.deposits.WithTx(tx)
			d, err := deposits.LockForUpdate(ctx, dep.ID)
			if err != nil {
				return err
			}
			if d.Status != store.DepositHeld {
				return nil // already transitioned by a concurrent retry
			}
			return deposits.TransitionDeposit(ctx, d, store.DepositHeld, store.DepositCaptured,
				"deposit_captured", d.Amount, d.Currency,
				map[string]string{"idempotency_key": item.IdempotencyKey, "pos_reference": posRef})
		})
	})
	if txErr != nil {
		return txErr
	}
	item.Status = store.ItemAcknowledged
	now := time.Now().UTC()
	item.AckAt = &now
	metrics.SettlementCaptures.Inc()
	return nil
}

// processRefund is the two-stage refund flow of spec.md §4.5.
func (s *Service) processRefund(ctx context.Context, item *store.ManifestItem) error {
	dep, err := s.deposits.Get(ctx, item.DepositID)
	if err != nil {
		return err
	}

	if dep.Status == store.DepositRefunded {
		item.Status = store.ItemAcknowledged
		now := time.Now().UTC()
		item.AckAt = &now
		return nil
	}

	if dep.Status == store.DepositHeld {
		txErr := dbretry.Do(ctx, func() error {
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				deposits := s.deposits.WithTx(tx)
				d, err := deposits.LockForUpdate(ctx, dep.ID)
				if err != nil {
					return err
				}
				if d.Status != store.DepositHeld {
					return nil
				}
				if err := deposits.TransitionDeposit(ctx, d, store.DepositHeld, store.DepositRefundPending,
					"deposit_refund_initiated", d.Amount, d.Currency,
					map[string]string{"idempotency_key": item.IdempotencyKey}); err != nil {
					return err
				}
				return deposits.InsertRefund(ctx, &store.Refund{
					DepositID:      d.ID,
					IdempotencyKey: item.IdempotencyKey,
					Amount:         d.Amount,
					Currency:       d.Currency,
					Status:         store.RefundPendingStatus,
				})
			})
		})
		if txErr != nil {
			return txErr
		}
	} else if dep.Status != store.DepositRefundPending {
		item.Status = store.ItemFailed
		item.RetryCount++
		item.FailureReason = fmt.Sprintf("deposit is %s, cannot refund", dep.Status)
		return nil
	}

	now := time.Now().UTC()
	item.Status = store.ItemSent
	item.SentAt = &now

	result, callErr := s.provider.Refund(ctx, pos.RefundRequest{
		DepositID:      dep.ID,
		Amount:         dep.Amount,
		Currency:       dep.Currency,
		IdempotencyKey: item.IdempotencyKey,
	})
	if callErr != nil {
		return s.handleRefundOutcome(ctx, item, dep, false, "", callErr)
	}
	return s.handleRefundOutcome(ctx, item, dep, result.Success, result.POSRefundID, nil)
}

func (s *Service) handleRefundOutcome(ctx context.Context, item *store.ManifestItem, dep *store.Deposit, success bool, posRefundID string, callErr error) error {
	if callErr != nil {
		if errors.Is(callErr, pos.ErrCircuitOpen) {
			item.Status = store.ItemFailed
			item.RetryCount++
			item.FailureReason = "circuit open"
			return nil
		}
		fresh, err := s.deposits.Get(ctx, dep.ID)
		if err != nil {
			return err
		}
		if fresh.Status == store.DepositRefunded {
			item.Status = store.ItemAcknowledged
			now := time.Now().UTC()
			item.AckAt = &now
			return nil
		}
		item.Status = store.ItemFailed
		item.RetryCount++
		item.FailureReason = callErr.Error()
		return nil
	}

	if !success {
		item.Status = store.ItemFailed
		item.RetryCount++
		item.FailureReason = "pos refund returned success=false"
		return nil
	}

	item.POSReference = posRefundID
	txErr := dbretry.Do(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			deposits := s.deposits.WithTx(tx)
			d, err := deposits.LockForUpdate(ctx, dep.ID)
			if err != nil {
				return err
			}
			if d.Status != store.DepositRefundPending {
				return nil
			}
			if err := deposits.TransitionDeposit(ctx, d, store.DepositRefundPending, store.DepositRefunded,
				"deposit_refunded", d.Amount, d.Currency,
				map[string]string{"idempotency_key": item.IdempotencyKey, "pos_refund_id": posRefundID}); err != nil {
				return err
			}
			refund, err := deposits.GetRefundByIdempotencyKey(ctx, item.IdempotencyKey)
			if err != nil {
				return err
			}
			if refund == nil {
				return fmt.Errorf("settlement: no refund record for idempotency key %s", item.IdempotencyKey)
			}
			return deposits.CompleteRefund(ctx, refund, posRefundID, time.Now().UTC())
		})
	})
	if txErr != nil {
		return txErr
	}
	item.Status = store.ItemAcknowledged
	now := time.Now().UTC()
	item.AckAt = &now
	metrics.SettlementRefunds.Inc()
	return nil
}

// FinalizeManifest examines a manifest's items and advances its (and the
// auction's) status per spec.md §4.5.
func (s *Service) FinalizeManifest(ctx context.Context, manifest *store.SettlementManifest, items []store.ManifestItem) (terminal bool, err error) {
	allAcknowledged, anyEscalated, acknowledged := classifyItems(items)
	manifest.ItemsAcknowledged = acknowledged

	if allAcknowledged {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			auctions := s.auctions.WithTx(tx)
			manifests := s.manifests.WithTx(tx)
			if err := auctions.TransitionStatus(ctx, manifest.AuctionID, store.AuctionSettled, nil); err != nil {
				return err
			}
			now := time.Now().UTC()
			manifest.Status = store.ManifestCompleted
			manifest.CompletedAt = &now
			if err := manifest.EncodeItems(items); err != nil {
				return err
			}
			if err := manifests.Save(ctx, manifest); err != nil {
				return err
			}
			metrics.StateTransitions.WithLabelValues("SETTLING", "SETTLED").Inc()
			metrics.SettlementCompleted.Inc()
			return nil
		})
		if err != nil {
			return false, err
		}
		_ = s.bus.Publish(ctx, manifest.AuctionID, wsproto.AuctionSettled{Type: wsproto.TypeAuctionSettled, AuctionID: manifest.AuctionID})
		return true, nil
	}

	if anyEscalated {
		reason := "item retry limit exceeded"
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			auctions := s.auctions.WithTx(tx)
			manifests := s.manifests.WithTx(tx)
			if err := auctions.TransitionStatus(ctx, manifest.AuctionID, store.AuctionSettlementFailed, nil); err != nil {
				return err
			}
			manifest.Status = store.ManifestEscalated
			manifest.EscalationReason = reason
			if err := manifest.EncodeItems(items); err != nil {
				return err
			}
			if err := manifests.Save(ctx, manifest); err != nil {
				return err
			}
			metrics.StateTransitions.WithLabelValues("SETTLING", "SETTLEMENT_FAILED").Inc()
			metrics.SettlementFailed.Inc()
			return nil
		})
		if err != nil {
			return false, err
		}
		_ = s.bus.Publish(ctx, manifest.AuctionID, wsproto.AuctionSettlementFailed{
			Type: wsproto.TypeAuctionSettlementFailed, AuctionID: manifest.AuctionID, Reason: reason,
		})
		return true, nil
	}

	if err := manifest.EncodeItems(items); err != nil {
		return false, err
	}
	if err := s.manifests.Save(ctx, manifest); err != nil {
		return false, err
	}
	_ = s.bus.Publish(ctx, manifest.AuctionID, wsproto.AuctionSettlementProgress{
		Type: wsproto.TypeAuctionSettlementProgress, AuctionID: manifest.AuctionID,
		ItemsAcknowledged: manifest.ItemsAcknowledged, ItemsTotal: manifest.ItemsTotal,
	})
	return false, nil
}

// EscalateManifest moves a manifest straight to ESCALATED without touching
// any item, for conditions the worker must refuse to process at all — e.g.
// the memory safety cap. Unlike ExpireManifest (terminal, ManifestExpired),
// ESCALATED is the status the admin API's retryManifest accepts, so an
// operator can still recover the auction once the underlying issue (here,
// an oversized manifest) is addressed.
func (s *Service) EscalateManifest(ctx context.Context, manifest *store.SettlementManifest, reason string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auctions := s.auctions.WithTx(tx)
		manifests := s.manifests.WithTx(tx)
		if err := auctions.TransitionStatus(ctx, manifest.AuctionID, store.AuctionSettlementFailed, nil); err != nil {
			return err
		}
		manifest.Status = store.ManifestEscalated
		manifest.EscalationReason = reason
		if err := manifests.Save(ctx, manifest); err != nil {
			return err
		}
		metrics.StateTransitions.WithLabelValues("SETTLING", "SETTLEMENT_FAILED").Inc()
		metrics.SettlementFailed.Inc()
		return nil
	})
	if err != nil {
		return err
	}
	_ = s.bus.Publish(ctx, manifest.AuctionID, wsproto.AuctionSettlementFailed{
		Type: wsproto.TypeAuctionSettlementFailed, AuctionID: manifest.AuctionID, Reason: reason,
	})
	return nil
}

// ExpireManifest escalates a manifest whose expiry has passed, with reason
// recorded, per spec.md §4.6 Phase B.
func (s *Service) ExpireManifest(ctx context.Context, manifest *store.SettlementManifest, reason string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auctions := s.auctions.WithTx(tx)
		manifests := s.manifests.WithTx(tx)
		if err := auctions.TransitionStatus(ctx, manifest.AuctionID, store.AuctionSettlementFailed, nil); err != nil {
			return err
		}
		manifest.Status = store.ManifestExpired
		manifest.EscalationReason = reason
		if err := manifests.Save(ctx, manifest); err != nil {
			return err
		}
		metrics.SettlementExpired.Inc()
		return nil
	})
	if err != nil {
		return err
	}
	_ = s.bus.Publish(ctx, manifest.AuctionID, wsproto.AuctionSettlementFailed{
		Type: wsproto.TypeAuctionSettlementFailed, AuctionID: manifest.AuctionID, Reason: reason,
	})
	return nil
}

// classifyItems is FinalizeManifest's decision logic extracted as a pure
// function: all-acknowledged, any-escalated (failed past MaxRetries), and
// the running acknowledged count, so the three-way finalize decision is
// unit-testable without a database.
func classifyItems(items []store.ManifestItem) (allAcknowledged, anyEscalated bool, acknowledged int) {
	allAcknowledged = true
	for _, it := range items {
		if it.Status == store.ItemAcknowledged {
			acknowledged++
		} else {
			allAcknowledged = false
		}
		if it.Status == store.ItemFailed && it.RetryCount >= MaxRetries {
			anyEscalated = true
		}
	}
	return allAcknowledged, anyEscalated, acknowledged
}
