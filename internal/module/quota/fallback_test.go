package quota

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFallbackStore is an in-memory FallbackStore. Setting failing simulates
// an unreachable Redis; incrCalls counts how often the pool actually reached
// the store.
type fakeFallbackStore struct {
	counters  map[string]int64
	ttls      map[string]time.Duration
	failing   bool
	incrCalls int
}

func newFakeFallbackStore() *fakeFallbackStore {
	return &fakeFallbackStore{
		counters: make(map[string]int64),
		ttls:     make(map[string]time.Duration),
	}
}

func (f *fakeFallbackStore) IncrBy(_ context.Context, key string, value int64) *redis.IntCmd {
	f.incrCalls++
	if f.failing {
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	f.counters[key] += value
	return redis.NewIntResult(f.counters[key], nil)
}

func (f *fakeFallbackStore) DecrBy(_ context.Context, key string, decrement int64) *redis.IntCmd {
	if f.failing {
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	f.counters[key] -= decrement
	return redis.NewIntResult(f.counters[key], nil)
}

func (f *fakeFallbackStore) Get(_ context.Context, key string) *redis.StringCmd {
	if f.failing {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	val, ok := f.counters[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(strconv.FormatInt(val, 10), nil)
}

func (f *fakeFallbackStore) Expire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func TestFallbackPool_Deduct(t *testing.T) {
	ctx := context.Background()
	periodEnd := time.Now().Add(time.Hour)

	t.Run("charges and reports the remaining balance", func(t *testing.T) {
		store := newFakeFallbackStore()
		pool := NewFallbackPool(store, zap.NewNop())
		orgID := uuid.New()

		remaining, err := pool.Deduct(ctx, orgID, QuotaKindAINums, 3, 100, periodEnd)
		require.NoError(t, err)
		assert.Equal(t, int64(97), remaining)

		used, err := pool.Used(ctx, orgID, QuotaKindAINums)
		require.NoError(t, err)
		assert.Equal(t, int64(3), used)

		// The counter dies with the billing period.
		key := fallbackKey(orgID, QuotaKindAINums, time.Now().UTC())
		assert.Greater(t, store.ttls[key], time.Duration(0))
	})

	t.Run("rolls back a charge that overshoots the cap", func(t *testing.T) {
		store := newFakeFallbackStore()
		pool := NewFallbackPool(store, zap.NewNop())
		orgID := uuid.New()

		remaining, err := pool.Deduct(ctx, orgID, QuotaKindAINums, 8, 10, periodEnd)
		require.NoError(t, err)
		assert.Equal(t, int64(2), remaining)

		_, err = pool.Deduct(ctx, orgID, QuotaKindAINums, 5, 10, periodEnd)
		assert.ErrorIs(t, err, ErrFallbackExhausted)

		// The failed charge must not consume the pool.
		used, err := pool.Used(ctx, orgID, QuotaKindAINums)
		require.NoError(t, err)
		assert.Equal(t, int64(8), used)

		// A charge that still fits goes through afterwards.
		remaining, err = pool.Deduct(ctx, orgID, QuotaKindAINums, 2, 10, periodEnd)
		require.NoError(t, err)
		assert.Equal(t, int64(0), remaining)
	})

	t.Run("exhaustion does not trip the breaker", func(t *testing.T) {
		store := newFakeFallbackStore()
		pool := NewFallbackPool(store, zap.NewNop())
		orgID := uuid.New()

		for i := 0; i < 10; i++ {
			_, err := pool.Deduct(ctx, orgID, QuotaKindAINums, 2, 1, periodEnd)
			assert.ErrorIs(t, err, ErrFallbackExhausted)
		}

		// Redis stayed healthy the whole time, so the pool still answers.
		remaining, err := pool.Deduct(ctx, orgID, QuotaKindAINums, 1, 1, periodEnd)
		require.NoError(t, err)
		assert.Equal(t, int64(0), remaining)
	})

	t.Run("dead store denies fast once the breaker opens", func(t *testing.T) {
		store := newFakeFallbackStore()
		store.failing = true
		pool := NewFallbackPool(store, zap.NewNop())
		orgID := uuid.New()

		for i := 0; i < 5; i++ {
			_, err := pool.Deduct(ctx, orgID, QuotaKindAINums, 1, 10, periodEnd)
			assert.ErrorIs(t, err, ErrFallbackUnavailable)
		}
		require.Equal(t, 5, store.incrCalls)

		// The sixth call is short-circuited without touching the store.
		_, err := pool.Deduct(ctx, orgID, QuotaKindAINums, 1, 10, periodEnd)
		assert.ErrorIs(t, err, ErrFallbackUnavailable)
		assert.Equal(t, 5, store.incrCalls)
	})
}

func TestFallbackPool_Used(t *testing.T) {
	store := newFakeFallbackStore()
	pool := NewFallbackPool(store, zap.NewNop())

	// No counter yet means nothing consumed.
	used, err := pool.Used(context.Background(), uuid.New(), QuotaKindEnhanceNums)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
}

func TestFallbackKey(t *testing.T) {
	orgID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	at := time.Date(2026, 2, 9, 3, 0, 0, 0, time.UTC)

	key := fallbackKey(orgID, QuotaKindAINums, at)
	assert.Equal(t, "quota:fallback:ai_nums:6ba7b810-9dad-11d1-80b4-00c04fd430c8:2026-02", key)

	// A new month opens a new counter.
	next := fallbackKey(orgID, QuotaKindAINums, at.AddDate(0, 1, 0))
	assert.NotEqual(t, key, next)
}

func TestFallbackPool_RejectsBadInput(t *testing.T) {
	pool := NewFallbackPool(nil, zap.NewNop())

	_, err := pool.Deduct(context.Background(), uuid.New(), QuotaKindAINums, 0, 100, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrFallbackExhausted)

	_, err = pool.Deduct(context.Background(), uuid.New(), QuotaKindAINums, 1, -1, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrFallbackExhausted)
}
