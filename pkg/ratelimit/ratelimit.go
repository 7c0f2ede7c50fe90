package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps how many usage events an account may ingest per minute.
// It is a thin wrapper around github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, eventsPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(eventsPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(accountID string) string {
	return fmt.Sprintf("ratelimit:account:%s", accountID)
}

// Allow spends n events from the account's window.
func (l *Limiter) Allow(ctx context.Context, accountID string, n int) (bool, error) {
	res, err := l.store.AllowN(ctx, key(accountID), n)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, accountID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(accountID))
}
