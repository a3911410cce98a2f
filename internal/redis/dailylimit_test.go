package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestDailyLimiter_ReserveUnderLimit(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewDailyLimiter(client, zap.NewNop(), DailyLimitConfig{Limit: 3})
	ctx := context.Background()
	recipient := uuid.New()

	for i := 1; i <= 3; i++ {
		result, err := limiter.Reserve(ctx, recipient)
		if err != nil {
			t.Fatalf("reserve %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("reserve %d should be allowed", i)
		}
		if result.Count != i {
			t.Fatalf("reserve %d: count = %d", i, result.Count)
		}
		if result.Remaining != 3-i {
			t.Fatalf("reserve %d: remaining = %d", i, result.Remaining)
		}
	}
}

func TestDailyLimiter_RejectsOverLimit(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewDailyLimiter(client, zap.NewNop(), DailyLimitConfig{Limit: 2})
	ctx := context.Background()
	recipient := uuid.New()

	limiter.Reserve(ctx, recipient)
	limiter.Reserve(ctx, recipient)

	result, err := limiter.Reserve(ctx, recipient)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("reserve over the limit must be rejected")
	}

	// A rejected reservation must not consume a slot.
	count, err := limiter.Count(ctx, recipient)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("rejected reserve changed the counter: %d", count)
	}
}

func TestDailyLimiter_RecipientsAreIndependent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewDailyLimiter(client, zap.NewNop(), DailyLimitConfig{Limit: 1})
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()

	limiter.Reserve(ctx, first)
	result, err := limiter.Reserve(ctx, second)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("second recipient must have an untouched counter")
	}
}

func TestDailyLimiter_ResetsAtMidnightUTC(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewDailyLimiter(client, zap.NewNop(), DailyLimitConfig{Limit: 1})
	ctx := context.Background()
	recipient := uuid.New()

	now := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	limiter.SetClock(func() time.Time { return now })

	limiter.Reserve(ctx, recipient)
	result, _ := limiter.Reserve(ctx, recipient)
	if result.Allowed {
		t.Fatal("second reserve on the same day must be rejected")
	}

	// The key is scoped to the UTC calendar day.
	now = time.Date(2026, 3, 11, 0, 1, 0, 0, time.UTC)
	result, err := limiter.Reserve(ctx, recipient)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("reserve on the next day must be allowed")
	}
}

func TestDailyLimiter_ConcurrentReservesRespectCeiling(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := NewDailyLimiter(client, zap.NewNop(), DailyLimitConfig{Limit: limit})
	ctx := context.Background()
	recipient := uuid.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := limiter.Reserve(ctx, recipient)
			if err != nil {
				t.Errorf("reserve failed: %v", err)
				return
			}
			if result.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Fatalf("expected exactly %d admitted, got %d", limit, allowed)
	}
}

func TestDailyLimiter_CountWithoutReserving(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewDailyLimiter(client, zap.NewNop(), DailyLimitConfig{Limit: 5})
	ctx := context.Background()
	recipient := uuid.New()

	count, err := limiter.Count(ctx, recipient)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("fresh recipient count = %d", count)
	}

	limiter.Reserve(ctx, recipient)
	count, _ = limiter.Count(ctx, recipient)
	if count != 1 {
		t.Fatalf("count after one reserve = %d", count)
	}
}
