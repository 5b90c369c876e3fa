// Package wsproto defines the JSON wire shapes exchanged over the bid
// WebSocket (C9), both client->server and server->client. Field names are
// snake_case per spec.md §6 and are part of the external contract: do not
// rename without bumping a protocol version.
package wsproto

import "time"

// Client -> server message types.
const (
	TypeJoinAuction  = "JOIN_AUCTION"
	TypeLeaveAuction = "LEAVE_AUCTION"
	TypePlaceBid     = "PLACE_BID"
)

// Server -> client message types.
const (
	TypeAuctionState              = "AUCTION_STATE"
	TypeBidAccepted                = "BID_ACCEPTED"
	TypeBidRejected                = "BID_REJECTED"
	TypeAuctionEnding              = "AUCTION_ENDING"
	TypeAuctionExtended            = "AUCTION_EXTENDED"
	TypeAuctionEnded               = "AUCTION_ENDED"
	TypeAuctionSettlementPending   = "AUCTION_SETTLEMENT_PENDING"
	TypeAuctionSettlementProgress  = "AUCTION_SETTLEMENT_PROGRESS"
	TypeAuctionSettled             = "AUCTION_SETTLED"
	TypeAuctionSettlementFailed    = "AUCTION_SETTLEMENT_FAILED"
)

// JoinAuction is the client's request to watch/bid in an auction room.
type JoinAuction struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
}

// LeaveAuction is the client's request to stop watching an auction room.
type LeaveAuction struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
}

// PlaceBid is the client's bid attempt.
type PlaceBid struct {
	Type           string `json:"type"`
	AuctionID      string `json:"auction_id"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// AuctionState is the room-join snapshot.
type AuctionState struct {
	Type             string     `json:"type"`
	AuctionID        string     `json:"auction_id"`
	Status           string     `json:"status"`
	CurrentPrice     string     `json:"current_price"`
	BidCount         int        `json:"bid_count"`
	ParticipantCount int        `json:"participant_count"`
	WatcherCount     int        `json:"watcher_count"`
	TimeRemainingMs  int64      `json:"time_remaining_ms"`
	ExtendedUntil    *time.Time `json:"extended_until,omitempty"`
}

// BidAccepted is broadcast to the room when a bid clears the pipeline.
type BidAccepted struct {
	Type           string    `json:"type"`
	BidID          string    `json:"bid_id"`
	UserIDMasked   string    `json:"user_id_masked"`
	Amount         string    `json:"amount"`
	ServerTS       time.Time `json:"server_timestamp"`
	NewBidCount    int       `json:"new_bid_count"`
}

// BidRejected is sent privately to the rejected bidder only.
type BidRejected struct {
	Type         string `json:"type"`
	ReasonCode   string `json:"reason_code"`
	CurrentPrice string `json:"current_price"`
	Message      string `json:"message"`
}

// AuctionEnding announces the LIVE->ENDING transition.
type AuctionEnding struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
}

// AuctionExtended announces an anti-sniping extension.
type AuctionExtended struct {
	Type            string    `json:"type"`
	AuctionID       string    `json:"auction_id"`
	NewEndTime      time.Time `json:"new_end_time"`
	TriggeredByBid  string    `json:"triggered_by_bid_id"`
}

// AuctionEnded announces the winner, with a masked identity.
type AuctionEnded struct {
	Type           string `json:"type"`
	WinnerIDMasked string `json:"winner_id_masked"`
	FinalPrice     string `json:"final_price"`
}

// AuctionSettlementPending announces that settlement has been initiated.
type AuctionSettlementPending struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
}

// AuctionSettlementProgress announces incremental settlement progress.
type AuctionSettlementProgress struct {
	Type              string `json:"type"`
	AuctionID         string `json:"auction_id"`
	ItemsAcknowledged int    `json:"items_acknowledged"`
	ItemsTotal        int    `json:"items_total"`
}

// AuctionSettled announces a completed settlement.
type AuctionSettled struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
}

// AuctionSettlementFailed announces an escalated or expired settlement.
type AuctionSettlementFailed struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
	Reason    string `json:"reason"`
}

// MaskUserID implements the privacy rule from spec.md §6: the first 8
// characters of the id followed by "***". Ids of 8 characters or fewer are
// kept whole with the same suffix, so this never panics on a slice out of
// range.
func MaskUserID(userID string) string {
	if len(userID) <= 8 {
		return userID + "***"
	}
	return userID[:8] + "***"
}
