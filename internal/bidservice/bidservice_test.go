package bidservice

import (
	"testing"
	"time"

	"github.com/sealbid/engine/internal/money"
)

func TestMeetsMinimumIncrement(t *testing.T) {
	current := money.MustParse("100.00")
	increment := money.MustParse("5.00")

	cases := []struct {
		name   string
		amount money.Money
		want   bool
	}{
		{"exactly at floor", money.MustParse("105.00"), true},
		{"above floor", money.MustParse("110.00"), true},
		{"one cent below floor", money.MustParse("104.99"), false},
		{"equal to current price", money.MustParse("100.00"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := meetsMinimumIncrement(current, increment, tc.amount)
			if got != tc.want {
				t.Errorf("meetsMinimumIncrement(%s, %s, %s) = %v, want %v",
					current, increment, tc.amount, got, tc.want)
			}
		})
	}
}

func TestMinimumAcceptableBid(t *testing.T) {
	got := minimumAcceptableBid(money.MustParse("100.00"), money.MustParse("5.50"))
	want := money.MustParse("105.50")
	if !got.Equal(want) {
		t.Errorf("minimumAcceptableBid = %s, want %s", got, want)
	}
}

func TestComputeSniperExtension(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	window := 60 * time.Second

	t.Run("well before end, no extension", func(t *testing.T) {
		end := now.Add(5 * time.Minute)
		newEnd, extended := computeSniperExtension(now, end, window)
		if extended || newEnd != nil {
			t.Errorf("expected no extension, got extended=%v newEnd=%v", extended, newEnd)
		}
	})

	t.Run("inside window, extends", func(t *testing.T) {
		end := now.Add(30 * time.Second)
		newEnd, extended := computeSniperExtension(now, end, window)
		if !extended {
			t.Fatal("expected extension")
		}
		want := now.Add(window)
		if !newEnd.Equal(want) {
			t.Errorf("newEnd = %v, want %v", newEnd, want)
		}
	})

	t.Run("exactly at window boundary, extends", func(t *testing.T) {
		end := now.Add(window)
		_, extended := computeSniperExtension(now, end, window)
		if !extended {
			t.Error("expected boundary case (remaining == window) to extend")
		}
	})

	t.Run("already past end, no extension", func(t *testing.T) {
		end := now.Add(-1 * time.Second)
		_, extended := computeSniperExtension(now, end, window)
		if extended {
			t.Error("expected no extension for an auction already past its end")
		}
	})

	t.Run("exactly at now, no extension", func(t *testing.T) {
		_, extended := computeSniperExtension(now, now, window)
		if extended {
			t.Error("expected no extension when remaining == 0")
		}
	})
}

func TestReasonCodesAreStable(t *testing.T) {
	// These strings are the wire contract for BID_REJECTED.reason_code;
	// a typo here is a silent protocol break.
	reasons := map[string]string{
		"AUCTION_NOT_LIVE":        ReasonAuctionNotLive,
		"USER_NOT_ELIGIBLE":       ReasonUserNotEligible,
		"CONSENT_MISSING":         ReasonConsentMissing,
		"PRICE_CHANGED":           ReasonPriceChanged,
		"BELOW_MINIMUM_INCREMENT": ReasonBelowMinIncrement,
		"AMOUNT_ALREADY_BID":      ReasonAmountAlreadyBid,
		"RATE_LIMITED":            ReasonRateLimited,
		"INSUFFICIENT_DEPOSIT":    ReasonInsufficientDep,
		"lock_contention":         ReasonLockContention,
		"service_unavailable":     ReasonServiceUnavail,
	}
	for want, got := range reasons {
		if want != got {
			t.Errorf("reason constant = %q, want %q", got, want)
		}
	}
}
