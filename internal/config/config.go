// Package config handles application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/echoanalytics/echo-gate/internal/auth"
	"github.com/echoanalytics/echo-gate/internal/ratelimit"
)

// Rate limit storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrInvalidConfig is returned by Validate for inconsistent settings.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for the application.
type Config struct {
	App    AppConfig
	Server ServerConfig
	Redis  RedisConfig
	Rate   RateLimitConfig
	Auth   AuthConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Env      string
	LogLevel string
}

// IsProduction returns true if the app is running in production mode.
func (a AppConfig) IsProduction() bool {
	return a.Env == "production" || a.Env == "prod"
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Address returns the server address in host:port format.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// Address returns the Redis address in host:port format.
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	BurstSize         int
	Backend           string
	TrustForwardedFor bool
	TrustedProxies    []string
	Shards            int
	IdleTTL           time.Duration
	SweepInterval     time.Duration
	MaxClients        int
	RedisPrefix       string
	RedisFailureMode  string
}

// Limiter returns the bucket settings for the configured limits.
func (r RateLimitConfig) Limiter() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerMinute: r.RequestsPerMinute,
		BurstSize:         r.BurstSize,
		Shards:            r.Shards,
		IdleTTL:           r.IdleTTL,
		SweepInterval:     r.SweepInterval,
		MaxBuckets:        r.MaxClients,
	}
}

// AuthConfig holds API key authentication configuration.
type AuthConfig struct {
	Required         bool
	APIKey           string
	Header           string
	ExcludedPaths    []string
	ExcludedPrefixes []string
	// BeforeRateLimit places the auth gate ahead of the rate limiter in the chain.
	BeforeRateLimit bool
}

// Gate returns the gate settings.
func (a AuthConfig) Gate() auth.Config {
	return auth.Config{
		Required:         a.Required,
		APIKey:           a.APIKey,
		Header:           a.Header,
		ExcludedPaths:    a.ExcludedPaths,
		ExcludedPrefixes: a.ExcludedPrefixes,
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	// App config
	cfg.App.Env = getEnvOrDefault("APP_ENV", "development")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Server config
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", "0.0.0.0")

	port, err := getEnvAsInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	cfg.Server.Port = port

	readTimeout, err := getEnvAsDuration("SERVER_READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_READ_TIMEOUT: %w", err)
	}
	cfg.Server.ReadTimeout = readTimeout

	writeTimeout, err := getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT: %w", err)
	}
	cfg.Server.WriteTimeout = writeTimeout

	shutdownTimeout, err := getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT: %w", err)
	}
	cfg.Server.ShutdownTimeout = shutdownTimeout

	// Redis config
	cfg.Redis.Host = getEnvOrDefault("REDIS_HOST", "")
	redisPort, err := getEnvAsInt("REDIS_PORT", 6379)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.Redis.Port = redisPort
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	redisDB, err := getEnvAsInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.Redis.DB = redisDB
	redisPoolSize, err := getEnvAsInt("REDIS_POOL_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
	}
	cfg.Redis.PoolSize = redisPoolSize

	if err := loadRateLimit(&cfg.Rate); err != nil {
		return nil, err
	}
	if err := loadAuth(&cfg.Auth); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadRateLimit(rl *RateLimitConfig) error {
	defaults := ratelimit.DefaultConfig()
	var err error

	if rl.Enabled, err = getEnvAsBool("RATE_LIMIT_ENABLED", true); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_ENABLED: %w", err)
	}
	if rl.RequestsPerMinute, err = getEnvAsInt("RATE_LIMIT_PER_MINUTE", defaults.RequestsPerMinute); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
	}
	if rl.BurstSize, err = getEnvAsInt("RATE_LIMIT_BURST_SIZE", defaults.BurstSize); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_BURST_SIZE: %w", err)
	}
	rl.Backend = strings.ToLower(getEnvOrDefault("RATE_LIMIT_BACKEND", BackendMemory))
	if rl.TrustForwardedFor, err = getEnvAsBool("RATE_LIMIT_TRUST_FORWARDED_FOR", true); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_TRUST_FORWARDED_FOR: %w", err)
	}
	rl.TrustedProxies = getEnvAsSlice("RATE_LIMIT_TRUSTED_PROXIES", nil)
	if rl.Shards, err = getEnvAsInt("RATE_LIMIT_SHARDS", defaults.Shards); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_SHARDS: %w", err)
	}
	if rl.IdleTTL, err = getEnvAsDuration("RATE_LIMIT_IDLE_TTL", defaults.IdleTTL); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_IDLE_TTL: %w", err)
	}
	if rl.SweepInterval, err = getEnvAsDuration("RATE_LIMIT_SWEEP_INTERVAL", defaults.SweepInterval); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_SWEEP_INTERVAL: %w", err)
	}
	if rl.MaxClients, err = getEnvAsInt("RATE_LIMIT_MAX_CLIENTS", defaults.MaxBuckets); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_MAX_CLIENTS: %w", err)
	}

	redisDefaults := ratelimit.DefaultRedisConfig()
	rl.RedisPrefix = getEnvOrDefault("RATE_LIMIT_REDIS_PREFIX", redisDefaults.Prefix)
	rl.RedisFailureMode = strings.ToLower(getEnvOrDefault("RATE_LIMIT_REDIS_FAILURE_MODE", string(redisDefaults.FailureMode)))

	return nil
}

func loadAuth(a *AuthConfig) error {
	defaults := auth.DefaultConfig()
	var err error

	if a.Required, err = getEnvAsBool("REQUIRE_AUTH", false); err != nil {
		return fmt.Errorf("invalid REQUIRE_AUTH: %w", err)
	}
	a.APIKey = os.Getenv("API_KEY")
	a.Header = getEnvOrDefault("API_KEY_HEADER", auth.DefaultHeader)
	a.ExcludedPaths = getEnvAsSlice("AUTH_EXCLUDED_PATHS", defaults.ExcludedPaths)
	a.ExcludedPrefixes = getEnvAsSlice("AUTH_EXCLUDED_PREFIXES", defaults.ExcludedPrefixes)
	if a.BeforeRateLimit, err = getEnvAsBool("AUTH_BEFORE_RATE_LIMIT", false); err != nil {
		return fmt.Errorf("invalid AUTH_BEFORE_RATE_LIMIT: %w", err)
	}

	return nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.Rate.Enabled {
		if c.Rate.RequestsPerMinute <= 0 {
			return fmt.Errorf("%w: RATE_LIMIT_PER_MINUTE must be positive", ErrInvalidConfig)
		}
		if c.Rate.BurstSize <= 0 {
			return fmt.Errorf("%w: RATE_LIMIT_BURST_SIZE must be positive", ErrInvalidConfig)
		}
		switch c.Rate.Backend {
		case BackendMemory:
		case BackendRedis:
			if !c.RedisEnabled() {
				return fmt.Errorf("%w: redis backend requires REDIS_HOST", ErrInvalidConfig)
			}
			if _, err := ratelimit.ParseFailureMode(c.Rate.RedisFailureMode); err != nil {
				return fmt.Errorf("%w: RATE_LIMIT_REDIS_FAILURE_MODE %q", ErrInvalidConfig, c.Rate.RedisFailureMode)
			}
		default:
			return fmt.Errorf("%w: unknown RATE_LIMIT_BACKEND %q", ErrInvalidConfig, c.Rate.Backend)
		}
	}

	if c.Auth.Required && c.Auth.APIKey == "" {
		return fmt.Errorf("%w: REQUIRE_AUTH is set but API_KEY is empty", ErrInvalidConfig)
	}

	return nil
}

// RedisEnabled returns true if Redis configuration is provided.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns the environment variable as an integer.
func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// getEnvAsBool returns the environment variable as a boolean.
func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(strings.TrimSpace(valueStr))
}

// getEnvAsDuration returns the environment variable as a duration.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// getEnvAsSlice splits a comma-separated variable, dropping empty entries.
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
