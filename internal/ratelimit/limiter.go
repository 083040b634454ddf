// Package ratelimit provides per-client token bucket rate limiting.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// UnknownIdentity is the bucket key used when no client identity can be resolved.
const UnknownIdentity = "unknown"

// ErrInvalidConfig is returned when a limiter is built from an unusable Config.
var ErrInvalidConfig = errors.New("invalid rate limit config")

// Decision contains the outcome of a rate limit check.
type Decision struct {
	Allowed    bool          // Whether the request is admitted
	Remaining  float64       // Tokens left in the bucket after this check
	RetryAfter time.Duration // Whole seconds to wait before retrying (rejections only)
	ResetAfter time.Duration // Time until the bucket is full again
	Limit      int           // The configured requests per minute
}

// RetryAfterSeconds returns RetryAfter in whole seconds, never less than 1 for a rejection.
func (d *Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter defines the rate limiting interface.
type Limiter interface {
	// Allow refills the identifier's bucket and consumes one token if available.
	Allow(ctx context.Context, identifier string) (*Decision, error)

	// Reset clears the rate limit state for an identifier.
	Reset(ctx context.Context, identifier string) error

	// Close releases any resources held by the limiter.
	Close() error
}

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerMinute int           // Sustained rate
	BurstSize         int           // Bucket capacity and initial token count
	Shards            int           // Number of independently locked bucket shards
	IdleTTL           time.Duration // Minimum idle time before a bucket may be swept
	SweepInterval     time.Duration // How often idle buckets are swept; 0 disables the sweeper
	MaxBuckets        int           // Upper bound on tracked identities; 0 means unbounded
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 100,
		BurstSize:         20,
		Shards:            32,
		IdleTTL:           10 * time.Minute,
		SweepInterval:     time.Minute,
		MaxBuckets:        100000,
	}
}

// RefillRate returns the refill rate in tokens per second.
func (c Config) RefillRate() float64 {
	return float64(c.RequestsPerMinute) / 60.0
}

// FullRefill returns how long an empty bucket takes to refill completely.
func (c Config) FullRefill() time.Duration {
	return secondsToDuration(float64(c.BurstSize) / c.RefillRate())
}

// Validate checks that the configuration describes a usable bucket.
func (c Config) Validate() error {
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("%w: requests per minute must be positive, got %d", ErrInvalidConfig, c.RequestsPerMinute)
	}
	if c.BurstSize <= 0 {
		return fmt.Errorf("%w: burst size must be positive, got %d", ErrInvalidConfig, c.BurstSize)
	}
	if c.Shards < 0 || c.MaxBuckets < 0 {
		return fmt.Errorf("%w: shards and max buckets must not be negative", ErrInvalidConfig)
	}
	return nil
}

// refillAndConsume applies the refill for elapsed and tries to take one token.
// It returns the decision and the token count to persist.
func (c Config) refillAndConsume(tokens float64, elapsed time.Duration) (*Decision, float64) {
	if elapsed < 0 {
		elapsed = 0
	}
	tokens = math.Min(float64(c.BurstSize), tokens+elapsed.Seconds()*c.RefillRate())
	if tokens < 0 {
		tokens = 0
	}

	if tokens < 1 {
		return c.decision(false, tokens), tokens
	}
	tokens--
	return c.decision(true, tokens), tokens
}

// decision describes the bucket after a check that left remaining tokens.
func (c Config) decision(allowed bool, remaining float64) *Decision {
	rate := c.RefillRate()

	if !allowed {
		retry := math.Ceil((1 - remaining) / rate)
		if retry < 1 {
			retry = 1
		}
		retryAfter := time.Duration(retry) * time.Second
		return &Decision{
			Allowed:    false,
			Remaining:  remaining,
			RetryAfter: retryAfter,
			ResetAfter: retryAfter,
			Limit:      c.RequestsPerMinute,
		}
	}

	return &Decision{
		Allowed:    true,
		Remaining:  remaining,
		ResetAfter: secondsToDuration((float64(c.BurstSize) - remaining) / rate),
		Limit:      c.RequestsPerMinute,
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// normalizeIdentity maps an empty identifier to UnknownIdentity.
func normalizeIdentity(identifier string) string {
	if identifier == "" {
		return UnknownIdentity
	}
	return identifier
}
