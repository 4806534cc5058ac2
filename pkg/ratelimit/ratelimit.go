package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps tokens per minute per user. It is a thin wrapper around
// github.com/vnmchuo/ratelimiter and is independent of the monthly quota.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(userID string) string {
	return fmt.Sprintf("ratelimit:user:%s", userID)
}

func (l *Limiter) Allow(ctx context.Context, userID string, tokens int) (bool, error) {
	res, err := l.store.AllowN(ctx, key(userID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
