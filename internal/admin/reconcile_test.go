package admin

import (
	"testing"
	"time"

	"github.com/sealbid/engine/internal/money"
	"github.com/sealbid/engine/internal/store"
)

func bid(id, amount string, ts time.Time) store.Bid {
	return store.Bid{ID: id, Amount: money.MustParse(amount), ServerTS: ts}
}

func TestCheckBidUniquenessDetectsDuplicate(t *testing.T) {
	rc := &Reconciler{}
	now := time.Now()
	report := &ReconciliationReport{}
	rc.checkBidUniqueness([]store.Bid{
		bid("b1", "100.00", now),
		bid("b2", "150.00", now.Add(time.Second)),
		bid("b3", "150.00", now.Add(2*time.Second)),
	}, report)
	if report.BidAmountsUnique {
		t.Error("expected duplicate amount to fail uniqueness check")
	}
}

func TestCheckBidUniquenessPassesOnDistinctAmounts(t *testing.T) {
	rc := &Reconciler{}
	now := time.Now()
	report := &ReconciliationReport{}
	rc.checkBidUniqueness([]store.Bid{
		bid("b1", "100.00", now),
		bid("b2", "150.00", now.Add(time.Second)),
	}, report)
	if !report.BidAmountsUnique {
		t.Errorf("expected distinct amounts to pass, detail: %s", report.BidAmountsUniqueDetail)
	}
}

func TestCheckBidIncrementsMonotonic(t *testing.T) {
	rc := &Reconciler{}
	now := time.Now()
	increment := money.MustParse("10.00")
	report := &ReconciliationReport{}
	rc.checkBidIncrements([]store.Bid{
		bid("b1", "100.00", now),
		bid("b2", "110.00", now.Add(time.Second)),
		bid("b3", "125.00", now.Add(2*time.Second)),
	}, increment, report)
	if !report.BidIncrementsMonotonic {
		t.Errorf("expected monotonic increments to pass, detail: %s", report.BidIncrementsMonotonicDetail)
	}
}

func TestCheckBidIncrementsRejectsShortfall(t *testing.T) {
	rc := &Reconciler{}
	now := time.Now()
	increment := money.MustParse("10.00")
	report := &ReconciliationReport{}
	rc.checkBidIncrements([]store.Bid{
		bid("b1", "100.00", now),
		bid("b2", "105.00", now.Add(time.Second)),
	}, increment, report)
	if report.BidIncrementsMonotonic {
		t.Error("expected a sub-minimum increment to fail the check")
	}
}

func TestCheckDepositBalanceConsistent(t *testing.T) {
	rc := &Reconciler{}
	report := &ReconciliationReport{}
	rc.checkDepositBalance([]store.Deposit{
		{ID: "d1", Amount: money.MustParse("100.00"), Status: store.DepositCaptured},
		{ID: "d2", Amount: money.MustParse("50.00"), Status: store.DepositRefunded},
	}, report)
	if !report.DepositBalanceConsistent {
		t.Errorf("expected balance to reconcile, detail: %s", report.DepositBalanceConsistentDetail)
	}
}

func TestCheckDepositBalanceDetectsMismatch(t *testing.T) {
	rc := &Reconciler{}
	report := &ReconciliationReport{}
	rc.checkDepositBalance([]store.Deposit{
		{ID: "d1", Amount: money.MustParse("100.00"), Status: store.DepositHeld},
	}, report)
	if report.DepositBalanceConsistent {
		t.Error("expected a still-HELD deposit to count toward total but not captured/refunded, causing a mismatch")
	}
}

func TestCheckWinnerIgnoresAuctionsNotYetEnded(t *testing.T) {
	rc := &Reconciler{}
	report := &ReconciliationReport{}
	rc.checkWinner(&store.Auction{Status: store.AuctionLive}, nil, report)
	if !report.WinnerIsHighestBid {
		t.Error("expected a still-LIVE auction to trivially pass the winner check")
	}
}

func TestCheckWinnerValidatesHighestBid(t *testing.T) {
	rc := &Reconciler{}
	now := time.Now()
	winnerBidID := "b2"
	finalPrice := money.MustParse("150.00")
	auction := &store.Auction{
		Status:      store.AuctionEnded,
		WinnerID:    strPtr("user-1"),
		WinnerBidID: &winnerBidID,
		FinalPrice:  &finalPrice,
	}
	report := &ReconciliationReport{}
	rc.checkWinner(auction, []store.Bid{
		bid("b1", "100.00", now),
		bid("b2", "150.00", now.Add(time.Second)),
	}, report)
	if !report.WinnerIsHighestBid {
		t.Errorf("expected winner check to pass, detail: %s", report.WinnerIsHighestBidDetail)
	}
}

func TestCheckWinnerDetectsMismatchedWinner(t *testing.T) {
	rc := &Reconciler{}
	now := time.Now()
	winnerBidID := "b1"
	finalPrice := money.MustParse("100.00")
	auction := &store.Auction{
		Status:      store.AuctionEnded,
		WinnerID:    strPtr("user-1"),
		WinnerBidID: &winnerBidID,
		FinalPrice:  &finalPrice,
	}
	report := &ReconciliationReport{}
	rc.checkWinner(auction, []store.Bid{
		bid("b1", "100.00", now),
		bid("b2", "150.00", now.Add(time.Second)),
	}, report)
	if report.WinnerIsHighestBid {
		t.Error("expected mismatch between recorded winner and highest bid to fail")
	}
}

func strPtr(s string) *string { return &s }
