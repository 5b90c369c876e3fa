// Package gateway implements C9: the WebSocket front door that
// authenticates connections, joins/leaves auction rooms, and relays bids
// into the bid service.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sealbid/engine/internal/apperr"
	"github.com/sealbid/engine/internal/auth"
	"github.com/sealbid/engine/internal/bidservice"
	"github.com/sealbid/engine/internal/kvlock"
	"github.com/sealbid/engine/internal/metrics"
	"github.com/sealbid/engine/internal/money"
	"github.com/sealbid/engine/internal/pubsub"
	"github.com/sealbid/engine/internal/store"
	"github.com/sealbid/engine/internal/wsproto"
)

var amountPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)

// opaqueJoinError is returned for BOTH "auction does not exist" and "not
// an eligible participant" so an attacker cannot distinguish the two —
// spec.md §4.7's anti-enumeration requirement.
const opaqueJoinError = "unable to join this auction"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is enforced at the HTTP layer, not here
}

// Gateway holds every connected client, keyed by auction room, so a
// pub/sub broadcast from any instance can be relayed to local sockets.
type Gateway struct {
	ctx      context.Context // process lifetime, outlives any single connection; governs relay loops
	verifier *auth.Verifier
	bids     *bidservice.Service
	lock     *kvlock.Lock
	bus      *pubsub.Bus
	auctions *store.AuctionRepository
	partRepo *store.ParticipantRepository
	log      *zap.Logger

	mu     sync.RWMutex
	rooms  map[string]map[*conn]struct{}
	relays map[string]context.CancelFunc
}

type conn struct {
	ws     *websocket.Conn
	userID string
	mu     sync.Mutex // guards concurrent writes to ws
}

func New(ctx context.Context, verifier *auth.Verifier, bids *bidservice.Service, lock *kvlock.Lock, bus *pubsub.Bus,
	auctions *store.AuctionRepository, partRepo *store.ParticipantRepository, log *zap.Logger) *Gateway {
	return &Gateway{
		ctx:      ctx,
		verifier: verifier,
		bids:     bids,
		lock:     lock,
		bus:      bus,
		auctions: auctions,
		partRepo: partRepo,
		log:      log,
		rooms:    make(map[string]map[*conn]struct{}),
		relays:   make(map[string]context.CancelFunc),
	}
}

// ServeHTTP upgrades the connection after verifying the bearer token.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			token = h[7:]
		}
	}
	claims, err := g.verifier.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("gateway: upgrade failed", zap.Error(err))
		return
	}
	c := &conn{ws: ws, userID: claims.UserID()}
	metrics.ActiveWSConnections.Inc()
	defer metrics.ActiveWSConnections.Dec()

	g.handleConn(r.Context(), c)
}

func (g *Gateway) handleConn(ctx context.Context, c *conn) {
	joined := make(map[string]struct{})
	defer g.leaveAll(c, joined)
	defer c.ws.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		g.dispatch(ctx, c, joined, data)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *conn, joined map[string]struct{}, data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}
	switch envelope.Type {
	case wsproto.TypeJoinAuction:
		var msg wsproto.JoinAuction
		if json.Unmarshal(data, &msg) == nil {
			g.joinAuction(ctx, c, joined, msg.AuctionID)
		}
	case wsproto.TypeLeaveAuction:
		var msg wsproto.LeaveAuction
		if json.Unmarshal(data, &msg) == nil {
			g.leaveAuction(c, joined, msg.AuctionID)
		}
	case wsproto.TypePlaceBid:
		var msg wsproto.PlaceBid
		if json.Unmarshal(data, &msg) == nil {
			g.placeBid(ctx, c, msg)
		}
	}
}

// joinAuction validates UUID shape BEFORE any DB lookup, so an
// enumeration attempt never reaches the database at all.
func (g *Gateway) joinAuction(ctx context.Context, c *conn, joined map[string]struct{}, auctionID string) {
	if _, err := uuid.Parse(auctionID); err != nil {
		g.sendError(c, opaqueJoinError)
		return
	}

	auction, err := g.auctions.Get(ctx, auctionID)
	if err != nil {
		g.sendError(c, opaqueJoinError)
		return
	}

	participant, err := g.partRepo.Get(ctx, auctionID, c.userID)
	if err != nil || participant == nil || !participant.Eligible {
		g.sendError(c, opaqueJoinError)
		return
	}

	g.mu.Lock()
	if g.rooms[auctionID] == nil {
		g.rooms[auctionID] = make(map[*conn]struct{})
		relayCtx, cancel := context.WithCancel(g.ctx)
		g.relays[auctionID] = cancel
		go g.RelayLoop(relayCtx, auctionID)
	}
	g.rooms[auctionID][c] = struct{}{}
	g.mu.Unlock()
	joined[auctionID] = struct{}{}

	remaining := time.Until(auction.EffectiveEnd())
	if remaining < 0 {
		remaining = 0
	}
	state := wsproto.AuctionState{
		Type:            wsproto.TypeAuctionState,
		AuctionID:       auction.ID,
		Status:          string(auction.Status),
		CurrentPrice:    auction.CurrentPrice.String(),
		BidCount:        auction.BidCount,
		TimeRemainingMs: remaining.Milliseconds(),
		ExtendedUntil:   auction.ExtendedUntil,
	}
	g.send(c, state)
}

func (g *Gateway) leaveAuction(c *conn, joined map[string]struct{}, auctionID string) {
	g.mu.Lock()
	if room, ok := g.rooms[auctionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(g.rooms, auctionID)
			if cancel, ok := g.relays[auctionID]; ok {
				cancel()
				delete(g.relays, auctionID)
			}
		}
	}
	g.mu.Unlock()
	delete(joined, auctionID)
}

// leaveAll runs on disconnect, defense in depth against a client that
// never sent LEAVE_AUCTION for rooms it joined.
func (g *Gateway) leaveAll(c *conn, joined map[string]struct{}) {
	for auctionID := range joined {
		g.leaveAuction(c, joined, auctionID)
	}
}

func (g *Gateway) placeBid(ctx context.Context, c *conn, msg wsproto.PlaceBid) {
	if !amountPattern.MatchString(msg.Amount) {
		g.sendRejection(c, "INVALID_AMOUNT", "", "amount must be a positive decimal string")
		return
	}
	amount, err := money.Parse(msg.Amount)
	if err != nil || amount.IsZero() || amount.IsNegative() {
		g.sendRejection(c, "INVALID_AMOUNT", "", "amount must be a positive decimal string")
		return
	}

	if !g.lock.Healthy() {
		g.sendRejection(c, "service_unavailable", "", "bidding is temporarily unavailable")
		return
	}

	if res, err := g.lock.Rate(ctx, kvlock.UserRateKey(c.userID), kvlock.UserRateMax, kvlock.UserRateWindow); err != nil {
		g.sendRejection(c, "service_unavailable", "", "rate check failed")
		return
	} else if !res.Allowed {
		g.sendRejection(c, "RATE_LIMITED", "", "too many bids, slow down")
		return
	}
	if res, err := g.lock.Rate(ctx, kvlock.AuctionRateKey(msg.AuctionID), kvlock.AuctionRateMax, kvlock.AuctionRateWindow); err != nil {
		g.sendRejection(c, "service_unavailable", "", "rate check failed")
		return
	} else if !res.Allowed {
		g.sendRejection(c, "RATE_LIMITED", "", "auction is receiving too many bids, slow down")
		return
	}

	auction, err := g.auctions.Get(ctx, msg.AuctionID)
	if err != nil {
		g.sendRejection(c, "AUCTION_NOT_LIVE", "", "auction not found")
		return
	}

	result, err := g.bids.PlaceBid(ctx, bidservice.Request{
		AuctionID:      msg.AuctionID,
		UserID:         c.userID,
		Amount:         amount,
		ReferencePrice: auction.CurrentPrice,
		IdempotencyKey: msg.IdempotencyKey,
	})
	if err != nil {
		reason := apperr.ReasonOf(err)
		if reason == "" {
			reason = "service_unavailable"
		}
		current, rerr := g.auctions.Get(ctx, msg.AuctionID)
		currentPrice := ""
		if rerr == nil {
			currentPrice = current.CurrentPrice.String()
		}
		g.sendRejection(c, reason, currentPrice, err.Error())
		return
	}

	accepted := wsproto.BidAccepted{
		Type:         wsproto.TypeBidAccepted,
		BidID:        result.BidID,
		UserIDMasked: wsproto.MaskUserID(c.userID),
		Amount:       result.Amount.String(),
		ServerTS:     result.ServerTS,
		NewBidCount:  result.NewBidCount,
	}
	g.broadcast(ctx, msg.AuctionID, accepted)

	if result.SniperExtended && result.NewEndTime != nil {
		g.broadcast(ctx, msg.AuctionID, wsproto.AuctionExtended{
			Type:           wsproto.TypeAuctionExtended,
			AuctionID:      msg.AuctionID,
			NewEndTime:     *result.NewEndTime,
			TriggeredByBid: result.BidID,
		})
	}
}

// broadcast publishes a message to the auction's Redis channel. It never
// writes to local connections directly — this instance's own RelayLoop,
// already subscribed to the same channel, is the only delivery path, so
// every connection (local or on another instance) receives the message
// exactly once.
func (g *Gateway) broadcast(ctx context.Context, auctionID string, payload any) {
	_ = g.bus.Publish(ctx, auctionID, payload)
}

// RelayLoop subscribes to an auction's Redis channel and relays every
// message to this instance's local connections, closing when ctx is done.
func (g *Gateway) RelayLoop(ctx context.Context, auctionID string) {
	sub := g.bus.Subscribe(ctx, auctionID)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.Messages():
			if !ok {
				return
			}
			g.mu.RLock()
			room := g.rooms[auctionID]
			conns := make([]*conn, 0, len(room))
			for c := range room {
				conns = append(conns, c)
			}
			g.mu.RUnlock()
			for _, c := range conns {
				g.sendRaw(c, raw)
			}
		}
	}
}

func (g *Gateway) sendRejection(c *conn, reason, currentPrice, message string) {
	metrics.BidRejections.WithLabelValues(reason).Inc()
	g.send(c, wsproto.BidRejected{
		Type:         wsproto.TypeBidRejected,
		ReasonCode:   reason,
		CurrentPrice: currentPrice,
		Message:      message,
	})
}

func (g *Gateway) sendError(c *conn, message string) {
	g.send(c, wsproto.BidRejected{Type: wsproto.TypeBidRejected, Message: message})
}

func (g *Gateway) send(c *conn, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	g.sendRaw(c, data)
}

func (g *Gateway) sendRaw(c *conn, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}
