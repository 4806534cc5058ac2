package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/ai-metering/internal/clock"
	"github.com/vnmchuo/ai-metering/internal/metrics"
)

var ErrReservationRejected = errors.New("allowance exhausted by calls in flight")

type ReserveRequest struct {
	UserID      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Allowance   int64
	// Used seeds the period counter from the ledger when it does not exist yet.
	Used     int64
	Estimate int64
}

// Reservation holds tokens against the allowance until the call finishes.
// Exactly one of Commit or Release takes effect; later calls are no-ops.
type Reservation interface {
	Commit(ctx context.Context, actual int64) error
	Release(ctx context.Context) error
}

type Reserver interface {
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, error)
}

// SoftLimitReserver admits everything. Concurrent calls may overshoot the
// allowance by at most concurrency times the largest single call.
type SoftLimitReserver struct{}

func (SoftLimitReserver) Reserve(context.Context, ReserveRequest) (Reservation, error) {
	return noopReservation{}, nil
}

type noopReservation struct{}

func (noopReservation) Commit(context.Context, int64) error { return nil }
func (noopReservation) Release(context.Context) error       { return nil }

// reserveScript seeds the counter on first use and admits a call while the
// committed plus in-flight total is under the allowance, the same rule the
// gate applies to committed usage. The admitted estimate is then added so
// later callers see it. Returns -1 on rejection.
var reserveScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
	cur = ARGV[3]
end
if tonumber(cur) >= tonumber(ARGV[2]) then
	return -1
end
return redis.call('INCRBY', KEYS[1], ARGV[1])
`)

// RedisReserver keeps one in-flight counter per user and billing period so
// concurrent calls cannot jointly pass a single pre-flight check.
type RedisReserver struct {
	rdb     redis.UniversalClient
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewRedisReserver(rdb redis.UniversalClient, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *RedisReserver {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisReserver{rdb: rdb, clock: clk, log: log.Named("quota.reserver"), metrics: m}
}

// Key is the counter key for a user's period.
func Key(userID string, periodStart time.Time) string {
	return fmt.Sprintf("quota:%s:%d", userID, periodStart.Unix())
}

// Reserve returns ErrReservationRejected when committed and in-flight tokens
// already reach the allowance.
// Redis failures fail open with a no-op reservation.
func (r *RedisReserver) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if req.Allowance <= 0 || req.Estimate <= 0 {
		return noopReservation{}, nil
	}

	key := Key(req.UserID, req.PeriodStart)
	ttl := req.PeriodEnd.Add(24 * time.Hour).Sub(r.clock.Now())
	if ttl < time.Minute {
		ttl = time.Minute
	}

	n, err := reserveScript.Run(ctx, r.rdb, []string{key},
		req.Estimate, req.Allowance, req.Used, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Warn("reservation failed open", zap.String("user_id", req.UserID), zap.Error(err))
		r.metrics.Reservation("degraded")
		return noopReservation{}, nil
	}
	if n < 0 {
		r.metrics.Reservation("rejected")
		return nil, fmt.Errorf("%w: allowance taken by calls in flight", ErrReservationRejected)
	}

	r.metrics.Reservation("reserved")
	return &redisReservation{rdb: r.rdb, key: key, estimate: req.Estimate}, nil
}

type redisReservation struct {
	rdb      redis.UniversalClient
	key      string
	estimate int64
	once     sync.Once
}

// Commit replaces the estimate with the actual token count.
func (r *redisReservation) Commit(ctx context.Context, actual int64) error {
	var err error
	r.once.Do(func() {
		if delta := actual - r.estimate; delta != 0 {
			err = r.rdb.IncrBy(ctx, r.key, delta).Err()
		}
	})
	return err
}

func (r *redisReservation) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		err = r.rdb.DecrBy(ctx, r.key, r.estimate).Err()
	})
	return err
}
