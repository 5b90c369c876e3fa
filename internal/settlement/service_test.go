package settlement

import (
	"testing"

	"github.com/sealbid/engine/internal/money"
	"github.com/sealbid/engine/internal/store"
)

func item(status store.ItemStatus, retries int) store.ManifestItem {
	return store.ManifestItem{
		Status:     status,
		RetryCount: retries,
		Amount:     money.MustParse("10.00"),
		Currency:   "USD",
	}
}

func TestClassifyItemsAllAcknowledged(t *testing.T) {
	items := []store.ManifestItem{
		item(store.ItemAcknowledged, 0),
		item(store.ItemAcknowledged, 0),
	}
	all, escalated, ack := classifyItems(items)
	if !all || escalated || ack != 2 {
		t.Errorf("all=%v escalated=%v ack=%d, want all=true escalated=false ack=2", all, escalated, ack)
	}
}

func TestClassifyItemsPendingBlocksCompletion(t *testing.T) {
	items := []store.ManifestItem{
		item(store.ItemAcknowledged, 0),
		item(store.ItemPending, 0),
	}
	all, escalated, ack := classifyItems(items)
	if all || escalated || ack != 1 {
		t.Errorf("all=%v escalated=%v ack=%d, want all=false escalated=false ack=1", all, escalated, ack)
	}
}

func TestClassifyItemsEscalatesAtRetryLimit(t *testing.T) {
	items := []store.ManifestItem{
		item(store.ItemAcknowledged, 0),
		item(store.ItemFailed, MaxRetries),
	}
	all, escalated, ack := classifyItems(items)
	if all || !escalated || ack != 1 {
		t.Errorf("all=%v escalated=%v ack=%d, want all=false escalated=true ack=1", all, escalated, ack)
	}
}

func TestClassifyItemsFailedBelowRetryLimitStaysActive(t *testing.T) {
	items := []store.ManifestItem{
		item(store.ItemAcknowledged, 0),
		item(store.ItemFailed, MaxRetries-1),
	}
	all, escalated, ack := classifyItems(items)
	if all || escalated || ack != 1 {
		t.Errorf("all=%v escalated=%v ack=%d, want all=false escalated=false ack=1", all, escalated, ack)
	}
}

func TestClassifyItemsEmptyManifestIsComplete(t *testing.T) {
	all, escalated, ack := classifyItems(nil)
	if !all || escalated || ack != 0 {
		t.Errorf("all=%v escalated=%v ack=%d, want all=true escalated=false ack=0 for an empty manifest", all, escalated, ack)
	}
}
