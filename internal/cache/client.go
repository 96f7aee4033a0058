package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
)

// Client wraps Redis operations using rueidis.
type Client struct {
	redis rueidis.Client
}

// NewClient creates a new Redis client.
func NewClient(ctx context.Context, url string) (*Client, error) {
	opts, err := rueidis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client, err := rueidis.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}

	// Verify connection
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{redis: client}, nil
}

// Close closes the Redis client.
func (c *Client) Close() {
	c.redis.Close()
}

// Ping checks if Redis is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Do(ctx, c.redis.B().Ping().Build()).Error()
}

// --- Facility recompute lock ---

// AcquireFacilityLock takes the cross-instance writer lock for a facility.
// Returns false if another instance holds it. The lock expires after ttl
// so a crashed worker cannot wedge a facility forever.
func (c *Client) AcquireFacilityLock(ctx context.Context, facilityID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("facility_lock:%s", facilityID)

	cmd := c.redis.B().Set().Key(key).Value(owner).Nx().Ex(ttl).Build()
	err := c.redis.Do(ctx, cmd).Error()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return false, nil // Held elsewhere
		}
		return false, fmt.Errorf("acquire facility lock: %w", err)
	}
	return true, nil
}

// ReleaseFacilityLock releases the lock if the owner still holds it.
func (c *Client) ReleaseFacilityLock(ctx context.Context, facilityID uuid.UUID, owner string) error {
	key := fmt.Sprintf("facility_lock:%s", facilityID)

	// Compare-and-delete so an expired lock taken by another owner survives.
	script := `
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`
	return c.redis.Do(ctx,
		c.redis.B().Eval().Script(script).Numkeys(1).Key(key).Arg(owner).Build(),
	).Error()
}

// --- Recompute pause flag ---

// PauseFacility marks a facility's recompute as paused after an integrity
// error, with the reason for operators.
func (c *Client) PauseFacility(ctx context.Context, facilityID uuid.UUID, reason string) error {
	key := fmt.Sprintf("facility_paused:%s", facilityID)
	return c.redis.Do(ctx, c.redis.B().Set().Key(key).Value(reason).Build()).Error()
}

// FacilityPaused returns the pause reason, or "" if not paused.
func (c *Client) FacilityPaused(ctx context.Context, facilityID uuid.UUID) (string, error) {
	key := fmt.Sprintf("facility_paused:%s", facilityID)
	reason, err := c.redis.Do(ctx, c.redis.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return "", nil
		}
		return "", fmt.Errorf("read pause flag: %w", err)
	}
	return reason, nil
}

// ResumeFacility clears the pause flag after operator intervention.
func (c *Client) ResumeFacility(ctx context.Context, facilityID uuid.UUID) error {
	key := fmt.Sprintf("facility_paused:%s", facilityID)
	return c.redis.Do(ctx, c.redis.B().Del().Key(key).Build()).Error()
}

// --- Rate Limiting ---

// CheckRateLimit checks if a caller has exceeded their rate limit.
// Returns true if request is allowed, false if rate limited.
func (c *Client) CheckRateLimit(ctx context.Context, callerID string, limitPerMinute int) (bool, error) {
	key := fmt.Sprintf("rate_limit:%s", callerID)
	now := time.Now().Unix()
	windowStart := now - 60 // 1 minute window

	// Use a Lua script for atomic rate limiting
	script := `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])

		-- Remove old entries
		redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

		-- Count current requests
		local count = redis.call('ZCARD', key)

		if count < limit then
			-- Add current request
			redis.call('ZADD', key, now, now .. ':' .. math.random())
			redis.call('EXPIRE', key, 60)
			return 1
		else
			return 0
		end
	`

	result, err := c.redis.Do(ctx,
		c.redis.B().Eval().Script(script).Numkeys(1).Key(key).Arg(
			fmt.Sprintf("%d", now),
			fmt.Sprintf("%d", windowStart),
			fmt.Sprintf("%d", limitPerMinute),
		).Build(),
	).ToInt64()

	if err != nil {
		return false, fmt.Errorf("check rate limit: %w", err)
	}

	return result == 1, nil
}

// --- Idempotency ---

// SetIdempotencyKey sets an idempotency key with result.
func (c *Client) SetIdempotencyKey(ctx context.Context, scope, key string, result []byte, ttl time.Duration) error {
	redisKey := fmt.Sprintf("idempotency:%s:%s", scope, key)

	// Use SETNX for atomic set-if-not-exists
	cmd := c.redis.B().Setnx().Key(redisKey).Value(string(result)).Build()
	set, err := c.redis.Do(ctx, cmd).AsBool()
	if err != nil {
		return err
	}
	if !set {
		return fmt.Errorf("idempotency key already exists")
	}

	// Set expiration
	expireCmd := c.redis.B().Expire().Key(redisKey).Seconds(int64(ttl.Seconds())).Build()
	return c.redis.Do(ctx, expireCmd).Error()
}

// GetIdempotencyKey retrieves an idempotency result.
func (c *Client) GetIdempotencyKey(ctx context.Context, scope, key string) ([]byte, error) {
	redisKey := fmt.Sprintf("idempotency:%s:%s", scope, key)
	result, err := c.redis.Do(ctx, c.redis.B().Get().Key(redisKey).Build()).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return []byte(result), nil
}
