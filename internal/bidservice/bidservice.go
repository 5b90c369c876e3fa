// Package bidservice implements C5: the fourteen-phase bid acceptance
// pipeline. Grounded on the teacher's blackhole.go main-loop shape — one
// exported entry point, a sequence of guarded steps each returning early on
// failure, defer-guaranteed cleanup — generalized from a swap-execution
// loop into a single bid's lifecycle.
package bidservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sealbid/engine/internal/apperr"
	"github.com/sealbid/engine/internal/kvlock"
	"github.com/sealbid/engine/internal/metrics"
	"github.com/sealbid/engine/internal/money"
	"github.com/sealbid/engine/internal/pubsub"
	"github.com/sealbid/engine/internal/store"
)

// Reason codes returned to callers, surfaced verbatim on the wire as
// BID_REJECTED.reason_code.
const (
	ReasonAuctionNotLive    = "AUCTION_NOT_LIVE"
	ReasonUserNotEligible   = "USER_NOT_ELIGIBLE"
	ReasonConsentMissing    = "CONSENT_MISSING"
	ReasonPriceChanged      = "PRICE_CHANGED"
	ReasonBelowMinIncrement = "BELOW_MINIMUM_INCREMENT"
	ReasonAmountAlreadyBid  = "AMOUNT_ALREADY_BID"
	ReasonRateLimited       = "RATE_LIMITED"
	ReasonInsufficientDep   = "INSUFFICIENT_DEPOSIT"
	ReasonLockContention    = "lock_contention"
	ReasonServiceUnavail    = "service_unavailable"
)

// Request is one bid attempt, already authenticated by the gateway.
type Request struct {
	AuctionID      string
	UserID         string
	Amount         money.Money
	ReferencePrice money.Money
	IdempotencyKey string
	ClientSentAt   *time.Time
	IP             string
}

// Result is the outcome of a successful (accepted) bid.
type Result struct {
	BidID          string
	Amount         money.Money
	ServerTS       time.Time
	NewBidCount    int
	SniperExtended bool
	NewEndTime     *time.Time
}

// Service runs the bid pipeline.
type Service struct {
	db           *gorm.DB
	lock         *kvlock.Lock
	bus          *pubsub.Bus
	auctions     *store.AuctionRepository
	bids         *store.BidRepository
	participant  *store.ParticipantRepository
	deposits     *store.DepositRepository
	sniperWindow time.Duration
}

func New(db *gorm.DB, lock *kvlock.Lock, bus *pubsub.Bus, sniperWindow time.Duration) *Service {
	return &Service{
		db:           db,
		lock:         lock,
		bus:          bus,
		auctions:     store.NewAuctionRepository(db),
		bids:         store.NewBidRepository(db),
		participant:  store.NewParticipantRepository(db),
		deposits:     store.NewDepositRepository(db),
		sniperWindow: sniperWindow,
	}
}

// PlaceBid runs the full P0-P14 pipeline.
func (s *Service) PlaceBid(ctx context.Context, req Request) (*Result, error) {
	// P0: idempotency fast-path, no lock held.
	if existing, err := s.bids.FindByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, apperr.TransientInfra("bidservice: idempotency fast-path lookup", err)
	} else if existing != nil {
		return resultFromBid(existing), nil
	}

	// P1: distributed lock.
	lockKey := kvlock.BidLockKey(req.AuctionID)
	token, err := s.lock.Acquire(ctx, lockKey, kvlock.BidLockTTL)
	if err != nil {
		if errors.Is(err, kvlock.ErrContention) {
			metrics.LockFailures.WithLabelValues("bid").Inc()
			return nil, apperr.Business(ReasonLockContention, "auction is processing another bid")
		}
		return nil, apperr.TransientInfra("bidservice: acquire lock", err)
	}
	// P14: release lock, always, even on panic.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.lock.Release(releaseCtx, lockKey, token)
	}()

	// rejection captures a business rejection that must still COMMIT (the
	// BidRejection audit row it wrote must survive) rather than roll back
	// the transaction the way a transient error would.
	var result *Result
	var rejection *apperr.E
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := s.runInTransaction(ctx, tx, req)
		if err != nil {
			var e *apperr.E
			if errors.As(err, &e) && e.Kind == apperr.KindBusiness {
				rejection = e
				return nil // commit: the rejection audit row must persist
			}
			return err
		}
		result = r
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	if rejection != nil {
		return nil, rejection
	}

	metrics.BidsAccepted.Inc()
	if result.SniperExtended {
		metrics.StateTransitions.WithLabelValues("LIVE", "LIVE_EXTENDED").Inc()
	}
	return result, nil
}

// runInTransaction is P2-P13. Any rejection with a reason code, except a
// missing auction at P4, has already written its own BidRejection row and
// returned nil from the transaction
// (commit of the rejection audit), so the caller must distinguish a
// *apperr.E business rejection (transaction committed) from a transient
// error (transaction rolled back).
func (s *Service) runInTransaction(ctx context.Context, tx *gorm.DB, req Request) (*Result, error) {
	bids := s.bids.WithTx(tx)
	auctions := s.auctions.WithTx(tx)
	participants := s.participant.WithTx(tx)
	deposits := s.deposits.WithTx(tx)

	// P3: in-transaction idempotency re-check.
	if existing, err := bids.FindByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, apperr.TransientInfra("bidservice: in-tx idempotency re-check", err)
	} else if existing != nil {
		return resultFromBid(existing), nil
	}

	// P4: read auction.
	auction, err := auctions.LockForUpdate(ctx, req.AuctionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Business(ReasonAuctionNotLive, "auction does not exist")
		}
		return nil, apperr.TransientInfra("bidservice: read auction", err)
	}

	// P5: status == LIVE.
	if auction.Status != store.AuctionLive {
		return nil, s.reject(ctx, auctions, req, ReasonAuctionNotLive, fmt.Sprintf("auction status is %s", auction.Status))
	}

	// P6: participant eligible.
	participant, err := participants.Get(ctx, req.AuctionID, req.UserID)
	if err != nil {
		return nil, apperr.TransientInfra("bidservice: read participant", err)
	}
	if participant == nil || !participant.Eligible {
		return nil, s.reject(ctx, auctions, req, ReasonUserNotEligible, "user is not an eligible participant")
	}

	// P7: consent present.
	hasConsent, err := participants.HasConsent(ctx, req.AuctionID, req.UserID)
	if err != nil {
		return nil, apperr.TransientInfra("bidservice: read consent", err)
	}
	if !hasConsent {
		return nil, s.reject(ctx, auctions, req, ReasonConsentMissing, "user has not acknowledged auction terms")
	}

	// P7b: deposit still HELD. Eligible and consenting is not enough — a
	// participant whose deposit has since moved out of HELD (e.g. expired
	// before the auction started) cannot continue bidding.
	deposit, err := deposits.Get(ctx, participant.DepositID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, s.reject(ctx, auctions, req, ReasonInsufficientDep, "deposit record not found")
		}
		return nil, apperr.TransientInfra("bidservice: read deposit", err)
	}
	if deposit.Status != store.DepositHeld {
		return nil, s.reject(ctx, auctions, req, ReasonInsufficientDep,
			fmt.Sprintf("deposit is %s, not held", deposit.Status))
	}

	// P8: reference_price == current_price.
	if !req.ReferencePrice.Equal(auction.CurrentPrice) {
		return nil, s.reject(ctx, auctions, req, ReasonPriceChanged, "reference price is stale")
	}

	// P9: amount >= current_price + minimum_increment.
	required := minimumAcceptableBid(auction.CurrentPrice, auction.MinimumIncrement)
	if !meetsMinimumIncrement(auction.CurrentPrice, auction.MinimumIncrement, req.Amount) {
		return nil, s.reject(ctx, auctions, req, ReasonBelowMinIncrement,
			fmt.Sprintf("amount must be at least %s", required.String()))
	}

	// P10: (auction_id, amount) uniqueness.
	exists, err := bids.ExistsAtAmount(ctx, req.AuctionID, req.Amount)
	if err != nil {
		return nil, apperr.TransientInfra("bidservice: check amount uniqueness", err)
	}
	if exists {
		return nil, s.reject(ctx, auctions, req, ReasonAmountAlreadyBid, "another bid already exists at this amount")
	}

	// P11: insert bid.
	now := time.Now().UTC()
	bid := &store.Bid{
		AuctionID:      req.AuctionID,
		UserID:         req.UserID,
		Amount:         req.Amount,
		ReferencePrice: req.ReferencePrice,
		IdempotencyKey: req.IdempotencyKey,
		ServerTS:       now,
		ClientSentAt:   req.ClientSentAt,
		IP:             req.IP,
	}
	if err := bids.Insert(ctx, bid); err != nil {
		return nil, apperr.TransientInfra("bidservice: insert bid", err)
	}

	// P12: update auction with optimistic check.
	priorVersion := auction.Version
	auction.CurrentPrice = req.Amount
	auction.BidCount++
	auction.Version++

	// P12b: anti-sniping extension.
	newEnd, sniperExtended := computeSniperExtension(now, auction.EffectiveEnd(), s.sniperWindow)
	if sniperExtended {
		auction.ExtendedUntil = newEnd
	}

	if err := auctions.UpdateWithVersion(ctx, auction, priorVersion); err != nil {
		if errors.Is(err, store.ErrOptimisticConflict) {
			// Concurrency, not Business: the bid insert above must not
			// survive either, so this rolls the whole transaction back
			// rather than committing a partial rejection audit.
			return nil, apperr.Concurrency(ReasonPriceChanged, "auction was updated concurrently, please retry")
		}
		return nil, apperr.TransientInfra("bidservice: update auction", err)
	}

	result := &Result{
		BidID:          bid.ID,
		Amount:         bid.Amount,
		ServerTS:       bid.ServerTS,
		NewBidCount:    auction.BidCount,
		SniperExtended: sniperExtended,
	}
	if sniperExtended {
		result.NewEndTime = auction.ExtendedUntil
	}
	return result, nil
}

// reject writes the append-only BidRejection audit row in the caller's
// transaction and returns the corresponding business error. The caller's
// transaction is allowed to commit (the audit row must survive), so this
// returns a *apperr.E, not a rollback-triggering raw error.
func (s *Service) reject(ctx context.Context, auctions *store.AuctionRepository, req Request, reason, message string) error {
	rej := &store.BidRejection{
		AuctionID:      req.AuctionID,
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		ReasonCode:     reason,
		Amount:         &req.Amount,
	}
	if err := auctions.InsertBidRejection(ctx, rej); err != nil {
		return apperr.TransientInfra("bidservice: insert bid rejection", err)
	}
	metrics.BidRejections.WithLabelValues(reason).Inc()
	return apperr.Business(reason, message)
}

func resultFromBid(b *store.Bid) *Result {
	return &Result{
		BidID:    b.ID,
		Amount:   b.Amount,
		ServerTS: b.ServerTS,
	}
}

// minimumAcceptableBid is the P9 floor: current_price + minimum_increment.
func minimumAcceptableBid(currentPrice, minimumIncrement money.Money) money.Money {
	return currentPrice.Add(minimumIncrement)
}

// meetsMinimumIncrement is P9's boundary check, a pure function so the
// increment boundary can be tested without a database.
func meetsMinimumIncrement(currentPrice, minimumIncrement, amount money.Money) bool {
	return amount.GreaterThanOrEqual(minimumAcceptableBid(currentPrice, minimumIncrement))
}

// computeSniperExtension is P12b's anti-sniping rule, extracted as a pure
// function of (now, effectiveEnd, window) so the boundary (remaining > 0
// and remaining <= window) can be tested without a database or clock mock.
func computeSniperExtension(now, effectiveEnd time.Time, window time.Duration) (*time.Time, bool) {
	remaining := effectiveEnd.Sub(now)
	if remaining > 0 && remaining <= window {
		newEnd := now.Add(window)
		return &newEnd, true
	}
	return nil, false
}
