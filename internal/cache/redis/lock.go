package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// releaseLua deletes the lock only while it still holds the caller's token,
// so an expired holder cannot release a lock someone else took since.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua pushes the expiry out only while the lock still holds the
// caller's token.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX, a renewal loop
// and a tokened release. It is the cross-process serializer when several
// daemons share one Postgres ledger.
type LockManager struct {
	c       *Client
	release *redis.Script
	extend  *redis.Script
	logger  *slog.Logger
}

// NewLockManager creates a LockManager on c.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		c:       c,
		release: redis.NewScript(releaseLua),
		extend:  redis.NewScript(extendLua),
		logger:  logger.With(slog.String("component", "redis_lock")),
	}
}

// Acquire takes the lock at key with a ttl lease. While held, the lease is
// renewed every ttl/3 so an operation that outlives ttl (a slow chain
// receipt, say) keeps the lock. It returns domain.ErrLockHeld when another
// holder has it. The returned unlock stops the renewal, is idempotent and
// runs on a fresh context so it works after the caller's context is done.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := lm.c.Key("lock", key)
	token := uuid.NewString()

	ok, err := lm.c.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	renewCtx, stopRenew := context.WithCancel(context.Background())
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		err := keepAlive(renewCtx, ttl/3, func(ctx context.Context) (bool, error) {
			n, err := lm.extend.Run(ctx, lm.c.rdb, []string{k}, token, ttl.Milliseconds()).Int()
			return n == 1, err
		})
		if err != nil {
			lm.logger.Error("redis: lock lease lost", slog.String("key", key), slog.String("error", err.Error()))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			<-renewed
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.release.Run(rctx, lm.c.rdb, []string{k}, token).Err()
		})
	}, nil
}

// errLeaseLost is returned by keepAlive when the lock no longer holds the
// caller's token.
var errLeaseLost = errors.New("lease lost")

// keepAlive calls extend every interval until ctx is done. It stops with
// errLeaseLost when extend reports the lock is gone; a failed call is
// retried on the next tick.
func keepAlive(ctx context.Context, interval time.Duration, extend func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		held, err := extend(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil && !held {
			return errLeaseLost
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
