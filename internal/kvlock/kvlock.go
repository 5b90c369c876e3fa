// Package kvlock implements the distributed lock and rate limiter (C1) on
// top of Redis, and the process-wide KV health gauge referenced throughout
// the settlement and gateway components. Modeled on the teacher's pattern
// of a narrow capability type (contractclient.ContractClient) wrapping a
// concrete external client; callers depend on the concrete *Lock.
package kvlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sealbid/engine/internal/metrics"
)

// ErrContention is returned by Acquire when the key is already held.
var ErrContention = errors.New("kvlock: lock contention")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Lock is the C1 capability: distributed lock plus fixed-window rate
// limiter, both backed by a single Redis connection pool.
type Lock struct {
	rdb     *redis.Client
	log     *zap.Logger
	healthy atomic.Bool
}

// New connects to redisURL and registers a command hook that updates the
// health flag after every command. It does not block on an initial ping —
// healthy() starts false and flips true on first successful command,
// matching "reflects the latest connection event (ready/close/error)".
func New(redisURL string, log *zap.Logger) (*Lock, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kvlock: invalid redis url: %w", err)
	}
	l := &Lock{rdb: redis.NewClient(opt), log: log}
	l.rdb.AddHook(healthHook{l: l})
	return l, nil
}

// healthHook flips the health gauge on every command's outcome.
type healthHook struct{ l *Lock }

func (h healthHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h healthHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.l.setHealthy(err == nil)
		return err
	}
}

func (h healthHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		h.l.setHealthy(err == nil)
		return err
	}
}

func (l *Lock) setHealthy(v bool) {
	l.healthy.Store(v)
	if v {
		metrics.KVHealthy.Set(1)
	} else {
		metrics.KVHealthy.Set(0)
	}
}

// Healthy reflects the latest connection event.
func (l *Lock) Healthy() bool { return l.healthy.Load() }

func (l *Lock) Close() error { return l.rdb.Close() }

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Acquire sets key to a fresh random token with the given TTL if and only
// if it does not already exist. Returns the token on success, ErrContention
// on contention, or a transport error.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("kvlock: generate token: %w", err)
	}
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("kvlock: acquire %s: %w", key, err)
	}
	if !ok {
		return "", ErrContention
	}
	return token, nil
}

// Release performs the atomic compare-and-delete: the key is removed only
// if its current value still equals token. Always safe to call, including
// after the TTL has already expired the key out from under us.
func (l *Lock) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("kvlock: release %s: %w", key, err)
	}
	return nil
}

// RateResult is the outcome of a Rate check.
type RateResult struct {
	Allowed bool
	Current int64
}

// Rate implements the fixed-window counter: atomic INCR, with expiry set
// only on the first increment in the window. Sliding behavior is
// approximate by design (see spec).
func (l *Lock) Rate(ctx context.Context, key string, max int64, window time.Duration) (RateResult, error) {
	current, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return RateResult{}, fmt.Errorf("kvlock: rate incr %s: %w", key, err)
	}
	if current == 1 {
		if err := l.rdb.Expire(ctx, key, window).Err(); err != nil {
			return RateResult{}, fmt.Errorf("kvlock: rate expire %s: %w", key, err)
		}
	}
	return RateResult{Allowed: current <= max, Current: current}, nil
}

// Key namespaces, centralized so callers never hand-build a lock key.
func BidLockKey(auctionID string) string        { return "bid:lock:auction:" + auctionID }
func EndingLockKey(auctionID string) string      { return "auction:ending:lock:" + auctionID }
func SettlementLockKey(auctionID string) string   { return "auction:settlement:lock:" + auctionID }
func UserRateKey(userID string) string           { return "ws:bid:rate:user:" + userID }
func AuctionRateKey(auctionID string) string      { return "ws:bid:rate:auction:" + auctionID }

const (
	BidLockTTL        = 5 * time.Second
	EndingLockTTL     = 10 * time.Second
	SettlementLockTTL = 30 * time.Second
	UserRateWindow    = 3 * time.Second
	UserRateMax       = 5
	AuctionRateWindow = 3 * time.Second
	AuctionRateMax    = 50
)
