package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sealbid/engine/internal/money"
)

func TestBidRepository_Insert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBidRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "bids"`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	b := &Bid{
		ID:             "bid-1",
		AuctionID:      "auction-1",
		UserID:         "user-1",
		Amount:         money.MustParse("150.00"),
		ReferencePrice: money.MustParse("100.00"),
		IdempotencyKey: "idem-1",
	}
	if err := repo.Insert(context.Background(), b); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestBidRepository_ExistsAtAmount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBidRepository(db)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "bids" WHERE`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	exists, err := repo.ExistsAtAmount(context.Background(), "auction-1", money.MustParse("150.00"))
	if err != nil {
		t.Fatalf("ExistsAtAmount failed: %v", err)
	}
	if !exists {
		t.Error("expected ExistsAtAmount to report true when count > 0")
	}
}

// TestBidRepository_FindByIdempotencyKey_NotFound pins the P0/P3 contract:
// a miss returns (nil, nil), never gorm.ErrRecordNotFound leaking to the
// caller, since bidservice treats a nil result as "no prior bid" rather
// than an error.
func TestBidRepository_FindByIdempotencyKey_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBidRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "bids" WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	b, err := repo.FindByIdempotencyKey(context.Background(), "idem-missing")
	if err != nil {
		t.Fatalf("FindByIdempotencyKey returned error: %v", err)
	}
	if b != nil {
		t.Errorf("expected nil bid on miss, got %+v", b)
	}
}

func TestBidRepository_WinningBid(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBidRepository(db)

	rows := sqlmock.NewRows([]string{"id", "auction_id", "amount"}).
		AddRow("bid-2", "auction-1", "200.00")
	mock.ExpectQuery(`SELECT \* FROM "bids" WHERE auction_id = \$1 ORDER BY amount DESC, server_ts ASC`).
		WillReturnRows(rows)

	b, err := repo.WinningBid(context.Background(), "auction-1")
	if err != nil {
		t.Fatalf("WinningBid failed: %v", err)
	}
	if b.ID != "bid-2" {
		t.Errorf("expected bid-2, got %+v", b)
	}
}
