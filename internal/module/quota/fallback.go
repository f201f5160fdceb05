package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// FallbackStore is the slice of the Redis command surface the pool uses.
// redis.UniversalClient satisfies it.
type FallbackStore interface {
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	DecrBy(ctx context.Context, key string, decrement int64) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// FallbackPool is the non-annual quota pool consulted when the ledger
// answers SourceFallback. It meters usage per calendar month in Redis,
// behind a circuit breaker so a dead Redis denies fast instead of stalling
// every deduction.
type FallbackPool struct {
	store   FallbackStore
	breaker *gobreaker.CircuitBreaker[int64]
	logger  *zap.Logger
}

// NewFallbackPool creates a Redis-backed monthly fallback pool.
func NewFallbackPool(store FallbackStore, logger *zap.Logger) *FallbackPool {
	settings := gobreaker.Settings{
		Name:        "quota-fallback-pool",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// An exhausted pool is a valid answer, not a Redis failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrFallbackExhausted)
		},
	}
	return &FallbackPool{
		store:   store,
		breaker: gobreaker.NewCircuitBreaker[int64](settings),
		logger:  logger,
	}
}

// Deduct charges amount of kind against the organization's monthly pool,
// bounded by limit. The counter key expires with the billing period. Returns
// the remaining balance, ErrFallbackExhausted when the pool cannot cover the
// amount, or ErrFallbackUnavailable when Redis is unreachable.
func (p *FallbackPool) Deduct(ctx context.Context, orgID uuid.UUID, kind QuotaKind, amount, limit int64, periodEnd time.Time) (int64, error) {
	if amount <= 0 || limit < 0 {
		return 0, ErrFallbackExhausted
	}

	key := fallbackKey(orgID, kind, time.Now().UTC())

	used, err := p.breaker.Execute(func() (int64, error) {
		return p.chargeAndCap(ctx, key, amount, limit, periodEnd)
	})
	if err != nil {
		if err == ErrFallbackExhausted {
			return 0, err
		}
		p.logger.Warn("fallback pool unreachable",
			zap.String("organization_id", orgID.String()),
			zap.String("quota_kind", string(kind)),
			zap.Error(err),
		)
		return 0, ErrFallbackUnavailable
	}

	return limit - used, nil
}

// Used returns the amount of kind consumed from the pool this month.
func (p *FallbackPool) Used(ctx context.Context, orgID uuid.UUID, kind QuotaKind) (int64, error) {
	key := fallbackKey(orgID, kind, time.Now().UTC())
	val, err := p.store.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// chargeAndCap increments the usage counter and undoes the increment when it
// overshoots the cap, so two racing charges cannot both land above limit.
func (p *FallbackPool) chargeAndCap(ctx context.Context, key string, amount, limit int64, periodEnd time.Time) (int64, error) {
	used, err := p.store.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, err
	}

	if used > limit {
		if _, derr := p.store.DecrBy(ctx, key, amount).Result(); derr != nil {
			p.logger.Warn("fallback counter rollback failed", zap.String("key", key), zap.Error(derr))
		}
		return 0, ErrFallbackExhausted
	}

	if ttl := time.Until(periodEnd); ttl > 0 {
		p.store.Expire(ctx, key, ttl)
	}
	return used, nil
}

func fallbackKey(orgID uuid.UUID, kind QuotaKind, now time.Time) string {
	return fmt.Sprintf("quota:fallback:%s:%s:%s", kind, orgID.String(), now.Format("2006-01"))
}
