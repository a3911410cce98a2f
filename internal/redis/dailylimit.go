package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DailyLimitConfig caps notification volume per recipient per calendar day.
type DailyLimitConfig struct {
	Limit int
}

// DailyLimitResult is the outcome of one reservation attempt.
type DailyLimitResult struct {
	Allowed   bool
	Count     int // counter value after a successful reservation
	Remaining int
}

// reserveScript atomically checks the counter against the limit and only
// increments when under it, so a rejected reservation leaves the counter
// unchanged and concurrent callers cannot overshoot the cap.
var reserveScript = redis.NewScript(`
local c = tonumber(redis.call('GET', KEYS[1]) or '0')
if c >= tonumber(ARGV[1]) then
  return -1
end
c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return c
`)

// DailyLimiter enforces the per-recipient daily notification cap. The
// counter lives in Redis keyed by (recipient, UTC calendar day), so the cap
// holds across multiple gateway instances.
type DailyLimiter struct {
	client *Client
	logger *zap.Logger
	config DailyLimitConfig
	now    func() time.Time
}

func NewDailyLimiter(client *Client, logger *zap.Logger, config DailyLimitConfig) *DailyLimiter {
	return &DailyLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (d *DailyLimiter) SetClock(now func() time.Time) {
	d.now = now
}

func (d *DailyLimiter) key(recipientID uuid.UUID) string {
	day := d.now().UTC().Format("2006-01-02")
	return fmt.Sprintf("dailylimit:%s:%s", recipientID, day)
}

// Reserve consumes one delivery slot for the recipient today. A rejected
// reservation is an explicit capacity outcome, not an error.
func (d *DailyLimiter) Reserve(ctx context.Context, recipientID uuid.UUID) (*DailyLimitResult, error) {
	// Key must outlive the day it names; 48h covers timezone stragglers.
	const ttlSeconds = 48 * 60 * 60

	val, err := reserveScript.Run(ctx, d.client.rdb, []string{d.key(recipientID)}, d.config.Limit, ttlSeconds).Int()
	if err != nil {
		return nil, fmt.Errorf("daily limit reserve failed: %w", err)
	}

	if val < 0 {
		d.logger.Debug("daily notification limit reached",
			zap.String("recipient_id", recipientID.String()),
			zap.Int("limit", d.config.Limit),
		)
		return &DailyLimitResult{Allowed: false, Count: d.config.Limit, Remaining: 0}, nil
	}

	return &DailyLimitResult{
		Allowed:   true,
		Count:     val,
		Remaining: d.config.Limit - val,
	}, nil
}

// Count returns the recipient's consumed slots for today without reserving.
func (d *DailyLimiter) Count(ctx context.Context, recipientID uuid.UUID) (int, error) {
	val, err := d.client.rdb.Get(ctx, d.key(recipientID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily limit count failed: %w", err)
	}
	return val, nil
}
