package store

import (
	"fmt"

	"gorm.io/gorm"
)

// Migrate creates/updates every table this engine owns and installs the
// append-only triggers for the audit tables, mirroring the teacher's
// AutoMigrate-on-connect pattern but adding the trigger step spec.md §9
// requires in addition to the Go-level narrow repositories.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Auction{},
		&Bid{},
		&BidRejection{},
		&AuctionParticipant{},
		&AuctionConsent{},
		&Deposit{},
		&DepositTransition{},
		&PaymentLedger{},
		&Refund{},
		&SettlementManifest{},
	); err != nil {
		return fmt.Errorf("store: automigrate: %w", err)
	}

	for _, table := range []string{"bids", "bid_rejections", "deposit_transitions", "payment_ledger"} {
		if err := installAppendOnlyTrigger(db, table); err != nil {
			return fmt.Errorf("store: append-only trigger for %s: %w", table, err)
		}
	}

	return nil
}

// installAppendOnlyTrigger rejects UPDATE and DELETE against table at the
// storage layer, a defense-in-depth backstop behind the Go repositories
// that never expose an Update/Delete method for these tables.
func installAppendOnlyTrigger(db *gorm.DB, table string) error {
	fnName := fmt.Sprintf("reject_mutation_%s", table)
	triggerName := fmt.Sprintf("trg_append_only_%s", table)

	stmts := []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
BEGIN
  RAISE EXCEPTION '%s is append-only: %% operation not permitted', TG_OP;
END;
$$ LANGUAGE plpgsql;`, fnName, table),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s;`, triggerName, table),
		fmt.Sprintf(`CREATE TRIGGER %s BEFORE UPDATE OR DELETE ON %s
FOR EACH ROW EXECUTE FUNCTION %s();`, triggerName, table, fnName),
	}

	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
