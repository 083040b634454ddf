package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/echoanalytics/echo-gate/internal/metrics"
	"github.com/echoanalytics/echo-gate/pkg/logger"
)

// FailureMode decides what the Redis limiter does when the store cannot be reached.
type FailureMode string

const (
	// FailOpen admits the request.
	FailOpen FailureMode = "open"
	// FailClosed rejects the request.
	FailClosed FailureMode = "closed"
	// FailLocal falls back to a per-process MemoryLimiter.
	FailLocal FailureMode = "local"
)

// ErrStoreUnavailable wraps errors from the shared bucket store.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// ParseFailureMode parses a failure mode name.
func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(s) {
	case FailOpen, FailClosed, FailLocal:
		return FailureMode(s), nil
	default:
		return "", fmt.Errorf("%w: unknown failure mode %q", ErrInvalidConfig, s)
	}
}

// RedisConfig holds configuration for the Redis-backed limiter.
type RedisConfig struct {
	Config

	Prefix          string        // Key prefix for bucket hashes
	FailureMode     FailureMode   // Behaviour when Redis is unreachable
	OpTimeout       time.Duration // Timeout for a single script call
	BreakerFailures uint32        // Consecutive failures before the breaker opens
	BreakerTimeout  time.Duration // How long the breaker stays open
}

// DefaultRedisConfig returns a default Redis limiter configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Config:          DefaultConfig(),
		Prefix:          "ratelimit:",
		FailureMode:     FailLocal,
		OpTimeout:       100 * time.Millisecond,
		BreakerFailures: 5,
		BreakerTimeout:  10 * time.Second,
	}
}

// tokenBucketScript refills and consumes atomically.
// KEYS[1] bucket hash; ARGV rate (tokens/s), burst, now (unix ms), ttl (ms).
// Returns {allowed, tokens} with tokens as a string to keep the fraction.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil or ts == nil then
	tokens = burst
	ts = now
end

if now > ts then
	tokens = math.min(burst, tokens + ((now - ts) / 1000.0) * rate)
	ts = now
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisLimiter keeps token buckets in Redis so several instances share one budget per client.
type RedisLimiter struct {
	cfg      RedisConfig
	client   redis.UniversalClient
	breaker  *gobreaker.CircuitBreaker
	fallback *MemoryLimiter
	clock    Clock
	log      *logger.Logger
}

// NewRedisLimiter creates a limiter that stores buckets through client.
// The client is not closed by the limiter.
func NewRedisLimiter(client redis.UniversalClient, cfg RedisConfig, opts ...Option) (*RedisLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseFailureMode(string(cfg.FailureMode)); err != nil {
		return nil, err
	}
	defaults := DefaultRedisConfig()
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaults.OpTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaults.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaults.BreakerTimeout
	}

	o := buildOptions(opts)
	r := &RedisLimiter{
		cfg:    cfg,
		client: client,
		clock:  o.clock,
		log:    o.log,
	}

	threshold := cfg.BreakerFailures
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ratelimit-redis",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: storeCallSucceeded,
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("rate limit store breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	if cfg.FailureMode == FailLocal {
		fallback, err := NewMemoryLimiter(cfg.Config, opts...)
		if err != nil {
			return nil, err
		}
		r.fallback = fallback
	}

	return r, nil
}

// Allow refills the identifier's shared bucket and consumes one token if available.
// When Redis cannot be used the configured FailureMode decides the outcome.
func (r *RedisLimiter) Allow(ctx context.Context, identifier string) (*Decision, error) {
	id := normalizeIdentity(identifier)

	res, err := r.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
		defer cancel()
		return tokenBucketScript.Run(opCtx, r.client,
			[]string{r.key(id)},
			r.cfg.RefillRate(),
			r.cfg.BurstSize,
			r.clock.Now().UnixMilli(),
			r.keyTTL().Milliseconds(),
		).Result()
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		return r.degraded(ctx, id, err)
	}

	allowed, tokens, err := parseScriptResult(res)
	if err != nil {
		return r.degraded(ctx, id, err)
	}

	return r.cfg.decision(allowed, tokens), nil
}

// degraded answers a request while the store is unusable.
func (r *RedisLimiter) degraded(ctx context.Context, id string, cause error) (*Decision, error) {
	metrics.RecordStoreFallback(string(r.cfg.FailureMode))
	r.log.Debug("rate limit store unavailable",
		"identity", id,
		"mode", string(r.cfg.FailureMode),
		"error", cause,
	)

	switch r.cfg.FailureMode {
	case FailOpen:
		return r.cfg.decision(true, float64(r.cfg.BurstSize-1)), nil
	case FailClosed:
		return r.cfg.decision(false, 0), nil
	default:
		if r.fallback == nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, cause)
		}
		return r.fallback.Allow(ctx, id)
	}
}

// Reset clears the rate limit state for an identifier.
func (r *RedisLimiter) Reset(ctx context.Context, identifier string) error {
	id := normalizeIdentity(identifier)

	if r.fallback != nil {
		_ = r.fallback.Reset(ctx, id)
	}

	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.client.Del(ctx, r.key(id)).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: reset %s: %v", ErrStoreUnavailable, id, err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// BreakerState reports the circuit breaker state.
func (r *RedisLimiter) BreakerState() gobreaker.State {
	return r.breaker.State()
}

// Close releases the fallback limiter.
func (r *RedisLimiter) Close() error {
	if r.fallback != nil {
		return r.fallback.Close()
	}
	return nil
}

// storeCallSucceeded tells the breaker which errors reflect store health.
// A caller giving up says nothing about Redis.
func storeCallSucceeded(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

func (r *RedisLimiter) key(id string) string {
	return r.cfg.Prefix + id
}

// keyTTL outlives the time an empty bucket needs to refill, so expiry never drops information.
func (r *RedisLimiter) keyTTL() time.Duration {
	return r.cfg.FullRefill().Truncate(time.Second) + 2*time.Second
}

// parseScriptResult decodes {allowed, tokens} from the bucket script.
func parseScriptResult(res interface{}) (bool, float64, error) {
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected script result: %v", res)
	}

	flag, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected allowed flag: %v", values[0])
	}

	raw, ok := values[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("unexpected token count: %v", values[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse token count: %w", err)
	}
	if tokens < 0 {
		tokens = 0
	}

	return flag == 1, tokens, nil
}
