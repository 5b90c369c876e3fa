// Package store holds the GORM models and repositories for the engine's
// PostgreSQL schema, modeled on the teacher's internal/db recorder: thin
// structs with GORM tags, a narrow repository type per aggregate, and
// explicit TableName methods.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sealbid/engine/internal/money"
)

// AuctionStatus enumerates the lifecycle states. The literal database enum
// additionally contains DRAFT (carried from an earlier listing workflow
// upstream of this engine); code here must keep accepting it on read even
// though nothing in the lifecycle worker ever queries for it.
type AuctionStatus string

const (
	AuctionDraft              AuctionStatus = "DRAFT"
	AuctionScheduled          AuctionStatus = "SCHEDULED"
	AuctionDepositOpen        AuctionStatus = "DEPOSIT_OPEN"
	AuctionLive               AuctionStatus = "LIVE"
	AuctionEnding             AuctionStatus = "ENDING"
	AuctionEnded              AuctionStatus = "ENDED"
	AuctionSettling           AuctionStatus = "SETTLING"
	AuctionSettled            AuctionStatus = "SETTLED"
	AuctionSettlementFailed   AuctionStatus = "SETTLEMENT_FAILED"
	AuctionCancelled          AuctionStatus = "CANCELLED"
)

// Auction is the lifecycle root aggregate.
type Auction struct {
	ID                 string        `gorm:"type:uuid;primaryKey"`
	Status             AuctionStatus `gorm:"type:varchar(32);not null;index"`
	StartingPrice      money.Money   `gorm:"type:numeric(18,2);not null"`
	MinimumIncrement   money.Money   `gorm:"type:numeric(18,2);not null"`
	CurrentPrice       money.Money   `gorm:"type:numeric(18,2);not null"`
	RequiredDeposit     money.Money   `gorm:"type:numeric(18,2);not null"`
	Currency           string        `gorm:"type:varchar(8);not null"`
	ScheduledStart     time.Time     `gorm:"not null"`
	ScheduledEnd       time.Time     `gorm:"not null"`
	ExtendedUntil      *time.Time
	ActualStart        *time.Time
	EndedAt            *time.Time
	FinalPrice         *money.Money  `gorm:"type:numeric(18,2)"`
	WinnerID           *string       `gorm:"type:uuid"`
	WinnerBidID        *string       `gorm:"type:uuid"`
	BidCount           int           `gorm:"not null;default:0"`
	SettlementMetadata json.RawMessage `gorm:"type:jsonb"`
	Version            int64         `gorm:"not null;default:0"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Auction) TableName() string { return "auctions" }

// EffectiveEnd returns ExtendedUntil when set, else ScheduledEnd.
func (a *Auction) EffectiveEnd() time.Time {
	if a.ExtendedUntil != nil {
		return *a.ExtendedUntil
	}
	return a.ScheduledEnd
}

// Bid is append-only: no UPDATE or DELETE method exists on this type or
// BidRepository, by design — see SPEC_FULL.md §3.
type Bid struct {
	ID              string      `gorm:"type:uuid;primaryKey"`
	AuctionID       string      `gorm:"type:uuid;not null;index:idx_bid_auction_amount,unique,priority:1"`
	UserID          string      `gorm:"type:uuid;not null"`
	Amount          money.Money `gorm:"type:numeric(18,2);not null;index:idx_bid_auction_amount,unique,priority:2"`
	ReferencePrice  money.Money `gorm:"type:numeric(18,2);not null"`
	IdempotencyKey  string      `gorm:"type:varchar(128);not null;uniqueIndex"`
	ServerTS        time.Time   `gorm:"not null;index"`
	ClientSentAt    *time.Time
	IP              string      `gorm:"type:varchar(64)"`
	CreatedAt       time.Time
}

func (Bid) TableName() string { return "bids" }

// BidRejection is an append-only audit row for refused bids.
type BidRejection struct {
	ID             string    `gorm:"type:uuid;primaryKey"`
	AuctionID      string    `gorm:"type:uuid;not null;index"`
	UserID         string    `gorm:"type:uuid;not null"`
	IdempotencyKey string    `gorm:"type:varchar(128)"`
	ReasonCode     string    `gorm:"type:varchar(64);not null"`
	Amount         *money.Money `gorm:"type:numeric(18,2)"`
	CreatedAt      time.Time
}

func (BidRejection) TableName() string { return "bid_rejections" }

// AuctionParticipant records eligibility for a (auction, user) pair.
type AuctionParticipant struct {
	AuctionID string `gorm:"type:uuid;primaryKey"`
	UserID    string `gorm:"type:uuid;primaryKey"`
	DepositID string `gorm:"type:uuid;not null"`
	Eligible  bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (AuctionParticipant) TableName() string { return "auction_participants" }

// AuctionConsent records that a participant has acknowledged auction terms.
type AuctionConsent struct {
	AuctionID string `gorm:"type:uuid;primaryKey"`
	UserID    string `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time
}

func (AuctionConsent) TableName() string { return "auction_consents" }

// DepositStatus enumerates the deposit state machine. Transitions beyond
// HELD->CAPTURED and HELD->REFUND_PENDING->REFUNDED are storage-trigger
// enforced; the service layer must never attempt an illegal one.
type DepositStatus string

const (
	DepositCollected     DepositStatus = "COLLECTED"
	DepositHeld          DepositStatus = "HELD"
	DepositCaptured      DepositStatus = "CAPTURED"
	DepositRefundPending DepositStatus = "REFUND_PENDING"
	DepositRefunded      DepositStatus = "REFUNDED"
	DepositExpired       DepositStatus = "EXPIRED"
)

// Deposit is a per-(user, auction) pre-authorization.
type Deposit struct {
	ID        string        `gorm:"type:uuid;primaryKey"`
	AuctionID string        `gorm:"type:uuid;not null;index"`
	UserID    string        `gorm:"type:uuid;not null;index"`
	Amount    money.Money   `gorm:"type:numeric(18,2);not null"`
	Currency  string        `gorm:"type:varchar(8);not null"`
	Status    DepositStatus `gorm:"type:varchar(32);not null;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Deposit) TableName() string { return "deposits" }

// DepositTransition is an append-only audit row for every Deposit status
// change, written in the same transaction as the Deposit UPDATE.
type DepositTransition struct {
	ID        string        `gorm:"type:uuid;primaryKey"`
	DepositID string        `gorm:"type:uuid;not null;index"`
	FromState DepositStatus `gorm:"type:varchar(32);not null"`
	ToState   DepositStatus `gorm:"type:varchar(32);not null"`
	Event     string        `gorm:"type:varchar(64);not null"`
	CreatedAt time.Time
}

func (DepositTransition) TableName() string { return "deposit_transitions" }

// PaymentLedger is an append-only financial audit trail keyed by deposit.
type PaymentLedger struct {
	ID        string          `gorm:"type:uuid;primaryKey"`
	DepositID string          `gorm:"type:uuid;not null;index"`
	Event     string          `gorm:"type:varchar(64);not null"`
	Amount    money.Money     `gorm:"type:numeric(18,2);not null"`
	Currency  string          `gorm:"type:varchar(8);not null"`
	Metadata  json.RawMessage `gorm:"type:jsonb"`
	CreatedAt time.Time
}

func (PaymentLedger) TableName() string { return "payment_ledger" }

// RefundStatus is the lifecycle of a single refund idempotency key.
type RefundStatus string

const (
	RefundPendingStatus   RefundStatus = "pending"
	RefundCompletedStatus RefundStatus = "completed"
)

// Refund is one record per refund idempotency key.
type Refund struct {
	ID             string       `gorm:"type:uuid;primaryKey"`
	DepositID      string       `gorm:"type:uuid;not null;index"`
	IdempotencyKey string       `gorm:"type:varchar(128);not null;uniqueIndex"`
	Amount         money.Money  `gorm:"type:numeric(18,2);not null"`
	Currency       string       `gorm:"type:varchar(8);not null"`
	Status         RefundStatus `gorm:"type:varchar(16);not null"`
	POSRefundID    string       `gorm:"type:varchar(128)"`
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Refund) TableName() string { return "refunds" }

// ManifestStatus is the settlement manifest's lifecycle.
type ManifestStatus string

const (
	ManifestActive    ManifestStatus = "ACTIVE"
	ManifestCompleted ManifestStatus = "COMPLETED"
	ManifestExpired   ManifestStatus = "EXPIRED"
	ManifestEscalated ManifestStatus = "ESCALATED"
)

// ItemStatus is a single manifest item's processing state.
type ItemStatus string

const (
	ItemPending      ItemStatus = "pending"
	ItemSent         ItemStatus = "sent"
	ItemAcknowledged ItemStatus = "acknowledged"
	ItemFailed       ItemStatus = "failed"
)

// ItemAction is the monetary action a manifest item performs.
type ItemAction string

const (
	ItemCapture ItemAction = "capture"
	ItemRefund  ItemAction = "refund"
)

// ManifestItem is one deposit's unit of settlement work, stored as part of
// the manifest's opaque items blob rather than as its own table — see
// SPEC_FULL.md / spec.md §9 "Manifest items as opaque blob".
type ManifestItem struct {
	DepositID      string      `json:"deposit_id"`
	UserID         string      `json:"user_id"`
	Action         ItemAction  `json:"action"`
	Status         ItemStatus  `json:"status"`
	RetryCount     int         `json:"retry_count"`
	IdempotencyKey string      `json:"idempotency_key"`
	Amount         money.Money `json:"amount"`
	Currency       string      `json:"currency"`
	POSReference   string      `json:"pos_reference,omitempty"`
	SentAt         *time.Time  `json:"sent_at,omitempty"`
	AckAt          *time.Time  `json:"ack_at,omitempty"`
	FailureReason  string      `json:"failure_reason,omitempty"`
}

// SettlementManifest is the per-auction settlement work plan. Items are a
// whole-document JSON blob; the per-auction KV lock is the only writer.
type SettlementManifest struct {
	ID                 string          `gorm:"type:uuid;primaryKey"`
	AuctionID          string          `gorm:"type:uuid;not null;uniqueIndex"`
	Status             ManifestStatus  `gorm:"type:varchar(16);not null;index"`
	Items              json.RawMessage `gorm:"type:jsonb;not null"`
	ItemsTotal         int             `gorm:"not null"`
	ItemsAcknowledged  int             `gorm:"not null;default:0"`
	ExpiresAt          time.Time       `gorm:"not null"`
	CompletedAt        *time.Time
	EscalationReason   string          `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (SettlementManifest) TableName() string { return "settlement_manifests" }

// DecodeItems parses the opaque items blob.
func (m *SettlementManifest) DecodeItems() ([]ManifestItem, error) {
	if len(m.Items) == 0 {
		return nil, nil
	}
	var items []ManifestItem
	if err := json.Unmarshal(m.Items, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// EncodeItems serializes items back into the opaque blob field.
func (m *SettlementManifest) EncodeItems(items []ManifestItem) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	m.Items = data
	return nil
}

// NewID generates a fresh UUIDv4 string, the primary key format used by
// every table in this schema.
func NewID() string { return uuid.NewString() }
