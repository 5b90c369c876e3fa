package settlement

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sealbid/engine/internal/kvlock"
	"github.com/sealbid/engine/internal/metrics"
	"github.com/sealbid/engine/internal/store"
	"github.com/sealbid/engine/internal/wsproto"
)

const tickInterval = 5 * time.Second

// Worker drives the Service on a 5s tick: Phase A initiates settlement for
// newly ENDED auctions, Phase B advances active manifests.
type Worker struct {
	svc       *Service
	db        *gorm.DB
	lock      *kvlock.Lock
	auctions  *store.AuctionRepository
	manifests *store.ManifestRepository
	log       *zap.Logger

	inFlight atomic.Bool
}

func NewWorker(svc *Service, db *gorm.DB, lock *kvlock.Lock, log *zap.Logger) *Worker {
	return &Worker{
		svc:       svc,
		db:        db,
		lock:      lock,
		auctions:  store.NewAuctionRepository(db),
		manifests: store.NewManifestRepository(db),
		log:       log,
	}
}

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

func (w *Worker) tick(ctx context.Context) {
	if !w.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer w.inFlight.Store(false)

	if !w.lock.Healthy() {
		w.log.Warn("settlement: skipping tick, kv unhealthy")
		return
	}

	start := time.Now()
	defer func() {
		metrics.SettlementTickDuration.Observe(time.Since(start).Seconds())
	}()

	w.phaseInitiate(ctx)
	w.phaseProcess(ctx)
}

// phaseInitiate is Phase A: find ENDED auctions and create their manifests.
func (w *Worker) phaseInitiate(ctx context.Context) {
	ended, err := w.auctions.ListEnded(ctx)
	if err != nil {
		w.log.Error("settlement: list ended auctions", zap.Error(err))
		return
	}
	for _, a := range ended {
		w.initiateOne(ctx, a.ID)
	}
}

func (w *Worker) initiateOne(ctx context.Context, auctionID string) {
	lockKey := kvlock.SettlementLockKey(auctionID)
	token, err := w.lock.Acquire(ctx, lockKey, kvlock.SettlementLockTTL)
	if err != nil {
		metrics.LockFailures.WithLabelValues("settlement").Inc()
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.lock.Release(releaseCtx, lockKey, token)
	}()

	manifest, err := w.svc.InitiateSettlement(ctx, auctionID)
	if err != nil {
		w.log.Error("settlement: initiate", zap.String("auction_id", auctionID), zap.Error(err))
		return
	}

	if manifest.ItemsTotal == 0 {
		items, _ := manifest.DecodeItems()
		if _, err := w.svc.FinalizeManifest(ctx, manifest, items); err != nil {
			w.log.Error("settlement: finalize empty manifest", zap.String("auction_id", auctionID), zap.Error(err))
		}
		return
	}
	_ = w.svc.bus.Publish(ctx, auctionID, wsproto.AuctionSettlementPending{
		Type: wsproto.TypeAuctionSettlementPending, AuctionID: auctionID,
	})
}

// phaseProcess is Phase B: advance at most MaxManifestsPerTick ACTIVE
// manifests, each bounded to ItemsPerTick items processed this tick.
func (w *Worker) phaseProcess(ctx context.Context) {
	active, err := w.manifests.ListActive(ctx)
	if err != nil {
		w.log.Error("settlement: list active manifests", zap.Error(err))
		return
	}
	metrics.SettlementBacklog.Set(float64(len(active)))

	processed := 0
	for _, m := range active {
		if processed >= MaxManifestsPerTick {
			break
		}
		w.processManifest(ctx, m)
		processed++
	}
}

func (w *Worker) processManifest(ctx context.Context, manifest store.SettlementManifest) {
	lockKey := kvlock.SettlementLockKey(manifest.AuctionID)
	token, err := w.lock.Acquire(ctx, lockKey, kvlock.SettlementLockTTL)
	if err != nil {
		metrics.LockFailures.WithLabelValues("settlement").Inc()
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.lock.Release(releaseCtx, lockKey, token)
	}()

	if time.Now().UTC().After(manifest.ExpiresAt) {
		if err := w.svc.ExpireManifest(ctx, &manifest, "manifest expired before completion"); err != nil {
			w.log.Error("settlement: expire manifest", zap.String("auction_id", manifest.AuctionID), zap.Error(err))
		}
		return
	}

	items, err := manifest.DecodeItems()
	if err != nil {
		w.log.Error("settlement: decode items", zap.String("auction_id", manifest.AuctionID), zap.Error(err))
		return
	}

	if len(items) > MemorySafetyItemsCap {
		if err := w.svc.EscalateManifest(ctx, &manifest, "memory safety"); err != nil {
			w.log.Error("settlement: escalate oversized manifest", zap.String("auction_id", manifest.AuctionID), zap.Error(err))
		}
		return
	}

	processedThisTick := 0
	changed := false
	for i := range items {
		if processedThisTick >= ItemsPerTick {
			break
		}
		it := &items[i]
		if it.Status == store.ItemPending || (it.Status == store.ItemFailed && it.RetryCount < MaxRetries) {
			w.svc.ProcessManifestItem(ctx, it)
			processedThisTick++
			changed = true
		}
	}

	if changed {
		if err := manifest.EncodeItems(items); err != nil {
			w.log.Error("settlement: encode items", zap.String("auction_id", manifest.AuctionID), zap.Error(err))
			return
		}
		if err := w.manifests.Save(ctx, &manifest); err != nil {
			w.log.Error("settlement: persist manifest progress", zap.String("auction_id", manifest.AuctionID), zap.Error(err))
			return
		}
	}

	if _, err := w.svc.FinalizeManifest(ctx, &manifest, items); err != nil {
		w.log.Error("settlement: finalize manifest", zap.String("auction_id", manifest.AuctionID), zap.Error(err))
	}
}
