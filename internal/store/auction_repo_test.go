package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/sealbid/engine/internal/money"
)

// newMockDB opens a GORM connection backed by sqlmock, the same pattern the
// teacher's internal/db recorder tests use for MySQL, adapted to the
// postgres driver this engine's store package actually runs on.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open gorm db: %v", err)
	}
	return gormDB, mock
}

func TestAuctionRepository_UpdateWithVersion_Success(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuctionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "auctions" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a := &Auction{ID: "auction-1", CurrentPrice: money.MustParse("150.00"), BidCount: 3, Version: 4}
	if err := repo.UpdateWithVersion(context.Background(), a, 3); err != nil {
		t.Fatalf("UpdateWithVersion failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// TestAuctionRepository_UpdateWithVersion_Conflict asserts the P12
// optimistic-concurrency contract: zero rows affected (another writer's
// version already moved the row) must surface as ErrOptimisticConflict,
// not a silent no-op.
func TestAuctionRepository_UpdateWithVersion_Conflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuctionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "auctions" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	a := &Auction{ID: "auction-1", CurrentPrice: money.MustParse("150.00"), BidCount: 3, Version: 4}
	err := repo.UpdateWithVersion(context.Background(), a, 3)
	if err != ErrOptimisticConflict {
		t.Fatalf("expected ErrOptimisticConflict, got %v", err)
	}
}

func TestAuctionRepository_LockForUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuctionRepository(db)

	rows := sqlmock.NewRows([]string{"id", "status", "current_price", "version"}).
		AddRow("auction-1", "LIVE", "150.00", int64(3))
	mock.ExpectQuery(`SELECT \* FROM "auctions" WHERE id = \$1.*FOR UPDATE`).
		WillReturnRows(rows)

	a, err := repo.LockForUpdate(context.Background(), "auction-1")
	if err != nil {
		t.Fatalf("LockForUpdate failed: %v", err)
	}
	if a.ID != "auction-1" || a.Status != AuctionLive || a.Version != 3 {
		t.Errorf("unexpected auction row: %+v", a)
	}
}

func TestAuctionRepository_Get_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuctionRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "auctions" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := repo.Get(context.Background(), "missing"); err != gorm.ErrRecordNotFound {
		t.Fatalf("expected gorm.ErrRecordNotFound, got %v", err)
	}
}
