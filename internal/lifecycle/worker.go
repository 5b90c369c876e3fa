// Package lifecycle implements C6: the auction lifecycle worker that
// transitions LIVE auctions through ENDING to ENDED on a 1s tick.
package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sealbid/engine/internal/kvlock"
	"github.com/sealbid/engine/internal/metrics"
	"github.com/sealbid/engine/internal/pubsub"
	"github.com/sealbid/engine/internal/store"
	"github.com/sealbid/engine/internal/wsproto"
)

const tickInterval = 1 * time.Second

// Worker runs the lifecycle tick loop. One Worker per process; coordination
// across processes is by the per-auction KV lock, never by a process-level
// singleton.
type Worker struct {
	db       *gorm.DB
	lock     *kvlock.Lock
	bus      *pubsub.Bus
	auctions *store.AuctionRepository
	bids     *store.BidRepository
	log      *zap.Logger

	inFlight atomic.Bool
}

func New(db *gorm.DB, lock *kvlock.Lock, bus *pubsub.Bus, log *zap.Logger) *Worker {
	return &Worker{
		db:       db,
		lock:     lock,
		bus:      bus,
		auctions: store.NewAuctionRepository(db),
		bids:     store.NewBidRepository(db),
		log:      log,
	}
}

// Run blocks, ticking every second until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick is serialized per-process: a tick still running when the next one
// fires is skipped rather than queued.
func (w *Worker) tick(ctx context.Context) {
	if !w.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer w.inFlight.Store(false)

	now := time.Now().UTC()
	auctions, err := w.auctions.ListExpiredLiveOrEnding(ctx, now)
	if err != nil {
		w.log.Error("lifecycle: list expired auctions", zap.Error(err))
		return
	}
	for _, a := range auctions {
		w.processAuction(ctx, a.ID)
	}
}

func (w *Worker) processAuction(ctx context.Context, auctionID string) {
	lockKey := kvlock.EndingLockKey(auctionID)
	token, err := w.lock.Acquire(ctx, lockKey, kvlock.EndingLockTTL)
	if err != nil {
		if errors.Is(err, kvlock.ErrContention) {
			return // another instance is already handling this auction
		}
		metrics.LockFailures.WithLabelValues("ending").Inc()
		w.log.Warn("lifecycle: acquire ending lock", zap.String("auction_id", auctionID), zap.Error(err))
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.lock.Release(releaseCtx, lockKey, token)
	}()

	if transitioned, err := w.transitionToEnding(ctx, auctionID); err != nil {
		w.log.Error("lifecycle: transition to ending", zap.String("auction_id", auctionID), zap.Error(err))
		return
	} else if transitioned {
		w.log.Info("lifecycle: auction entered ENDING", zap.String("auction_id", auctionID))
	}

	if err := w.finalizeEnded(ctx, auctionID); err != nil {
		w.log.Error("lifecycle: finalize ended", zap.String("auction_id", auctionID), zap.Error(err))
	}
}

// transitionToEnding performs step 3: re-check effective end under the
// pessimistic row lock (a bid may have extended it since the poll), then
// move LIVE->ENDING and broadcast.
func (w *Worker) transitionToEnding(ctx context.Context, auctionID string) (bool, error) {
	transitioned := false
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auctions := w.auctions.WithTx(tx)
		a, err := auctions.LockForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		if a.Status != store.AuctionLive {
			return nil
		}
		if time.Now().UTC().Before(a.EffectiveEnd()) {
			return nil // a concurrent bid extended it past expiry; not our turn
		}
		if err := auctions.TransitionStatus(ctx, auctionID, store.AuctionEnding, nil); err != nil {
			return err
		}
		metrics.StateTransitions.WithLabelValues("LIVE", "ENDING").Inc()
		transitioned = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if transitioned {
		_ = w.bus.Publish(ctx, auctionID, wsproto.AuctionEnding{Type: wsproto.TypeAuctionEnding, AuctionID: auctionID})
	}
	return transitioned, nil
}

// finalizeEnded performs step 4: re-check under lock, select the winner,
// and transition ENDING->ENDED.
func (w *Worker) finalizeEnded(ctx context.Context, auctionID string) error {
	var ended bool
	var finalPrice string
	var winnerID string
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auctions := w.auctions.WithTx(tx)
		bids := w.bids.WithTx(tx)

		a, err := auctions.LockForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		if a.Status != store.AuctionEnding {
			return nil
		}
		if time.Now().UTC().Before(a.EffectiveEnd()) {
			return nil
		}

		winner, err := bids.WinningBid(ctx, auctionID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		err = auctions.TransitionStatus(ctx, auctionID, store.AuctionEnded, func(a *store.Auction) {
			a.EndedAt = &now
			if winner != nil {
				fp := winner.Amount
				a.FinalPrice = &fp
				a.WinnerID = &winner.UserID
				a.WinnerBidID = &winner.ID
				finalPrice = fp.String()
				winnerID = winner.UserID
			}
		})
		if err != nil {
			return err
		}
		metrics.StateTransitions.WithLabelValues("ENDING", "ENDED").Inc()
		ended = true
		return nil
	})
	if err != nil {
		return err
	}
	if ended {
		_ = w.bus.Publish(ctx, auctionID, wsproto.AuctionEnded{
			Type:           wsproto.TypeAuctionEnded,
			WinnerIDMasked: wsproto.MaskUserID(winnerID),
			FinalPrice:     finalPrice,
		})
	}
	return nil
}
