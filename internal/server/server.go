// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/echoanalytics/echo-gate/internal/auth"
	"github.com/echoanalytics/echo-gate/internal/config"
	"github.com/echoanalytics/echo-gate/internal/handlers"
	"github.com/echoanalytics/echo-gate/internal/metrics"
	"github.com/echoanalytics/echo-gate/internal/middleware"
	"github.com/echoanalytics/echo-gate/internal/ratelimit"
	"github.com/echoanalytics/echo-gate/pkg/logger"
)

// AppName is reported by the root endpoint.
const AppName = "echo-gate"

// Version is reported by the root endpoint. Overridden at build time.
var Version = "0.1.0"

// Server represents the HTTP server.
type Server struct {
	cfg              *config.Config
	log              *logger.Logger
	httpServer       *http.Server
	handler          http.Handler
	healthHandler    *handlers.HealthHandler
	infoHandler      *handlers.InfoHandler
	rateLimitHandler *handlers.RateLimitHandler
	gate             *auth.Gate
	rateLimiter      ratelimit.Limiter
	redisClient      *redis.Client
	listener         net.Listener
	running          bool
	mu               sync.RWMutex
}

// New creates a new Server instance. It validates cfg and builds the rate limiter
// and auth gate the middleware chain needs.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	gate, err := auth.NewGate(cfg.Auth.Gate())
	if err != nil {
		return nil, fmt.Errorf("failed to create auth gate: %w", err)
	}

	s := &Server{
		cfg:           cfg,
		log:           log,
		gate:          gate,
		healthHandler: handlers.NewHealthHandler(),
		infoHandler:   handlers.NewInfoHandler(AppName, Version, cfg.App.Env),
	}

	if cfg.App.IsProduction() && !gate.Required() {
		log.Warn("authentication disabled in production", "env", cfg.App.Env)
	}

	if cfg.Rate.Enabled {
		if err := s.buildRateLimiter(ctx); err != nil {
			s.closeBackends()
			return nil, err
		}
	}
	s.rateLimitHandler = handlers.NewRateLimitHandler(s.rateLimiter, log)

	// Create HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	// Build middleware chain
	s.handler = s.buildMiddlewareChain(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// buildRateLimiter creates the limiter for the configured backend.
func (s *Server) buildRateLimiter(ctx context.Context) error {
	limits := s.cfg.Rate.Limiter()

	switch s.cfg.Rate.Backend {
	case config.BackendRedis:
		s.redisClient = connectRedis(ctx, s.cfg.Redis, s.log)

		mode, err := ratelimit.ParseFailureMode(s.cfg.Rate.RedisFailureMode)
		if err != nil {
			return err
		}
		rc := ratelimit.DefaultRedisConfig()
		rc.Config = limits
		rc.Prefix = s.cfg.Rate.RedisPrefix
		rc.FailureMode = mode

		limiter, err := ratelimit.NewRedisLimiter(s.redisClient, rc, ratelimit.WithLogger(s.log))
		if err != nil {
			return fmt.Errorf("failed to create redis rate limiter: %w", err)
		}
		s.rateLimiter = limiter
		s.healthHandler.AddCheck("redis", limiter.Ping)

	default:
		limiter, err := ratelimit.NewMemoryLimiter(limits, ratelimit.WithLogger(s.log))
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		s.rateLimiter = limiter
		metrics.TrackBuckets(limiter.Len)
	}

	s.log.Info("rate limiting enabled",
		"backend", s.cfg.Rate.Backend,
		"requests_per_minute", limits.RequestsPerMinute,
		"burst_size", limits.BurstSize,
		"trust_forwarded_for", s.cfg.Rate.TrustForwardedFor,
	)
	return nil
}

// connectRedis creates the Redis client. An unreachable server is not fatal:
// the limiter's failure mode applies until it comes back.
func connectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// Verify connectivity
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis not reachable at startup", "address", cfg.Address(), "error", err)
	} else {
		log.Info("connected to redis", "address", cfg.Address())
	}

	return client
}

// buildMiddlewareChain creates the middleware chain for the server.
func (s *Server) buildMiddlewareChain(handler http.Handler) http.Handler {
	resolver := middleware.NewClientIPResolver(s.cfg.Rate.TrustForwardedFor, s.cfg.Rate.TrustedProxies)

	chain := middleware.New(
		middleware.Recovery(s.log),
		middleware.Metrics(),
		middleware.RequestID(),
		middleware.ClientIP(resolver),
		middleware.Logging(s.log),
	)

	authMW := middleware.Auth(s.gate, s.log)
	if s.rateLimiter == nil {
		return chain.Append(authMW).Then(handler)
	}

	rateMW := middleware.RateLimit(s.rateLimiter, middleware.RateLimitConfig{
		Resolver: resolver,
		Logger:   s.log,
	})
	if s.cfg.Auth.BeforeRateLimit {
		return chain.Append(authMW, rateMW).Then(handler)
	}
	return chain.Append(rateMW, authMW).Then(handler)
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.infoHandler.Root)

	// Health check routes (GET only)
	mux.HandleFunc("GET /health", s.healthHandler.Health)
	mux.HandleFunc("GET /ready", s.healthHandler.Ready)
	mux.HandleFunc("GET /api/v1/health", s.healthHandler.Health)

	// Metrics endpoint for Prometheus
	mux.Handle("GET /metrics", metrics.Handler())

	// API v1 routes
	mux.HandleFunc("GET /api/v1/whoami", s.rateLimitHandler.Whoami)

	// Bucket resets are only exposed behind API key auth.
	if s.gate.Required() {
		mux.HandleFunc("DELETE /api/v1/ratelimit/{identity}", s.rateLimitHandler.Reset)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.cfg.Server.Address()

	// Create listener first to get the actual address (important when port is 0)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	actualAddr := listener.Addr().String()
	s.log.Info("server starting", "address", actualAddr)

	// Start serving
	err = s.httpServer.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")

	// Mark as not ready during shutdown
	s.healthHandler.SetReady(false)

	err := s.httpServer.Shutdown(ctx)

	s.closeBackends()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error("shutdown error", "error", err)
		return err
	}

	s.log.Info("server stopped")
	return nil
}

// closeBackends releases the rate limiter and its Redis connection.
func (s *Server) closeBackends() {
	if s.rateLimiter != nil {
		if err := s.rateLimiter.Close(); err != nil {
			s.log.Error("failed to close rate limiter", "error", err)
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.Error("failed to close redis client", "error", err)
		}
	}
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Handler returns the root handler including the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HealthHandler returns the health handler.
func (s *Server) HealthHandler() *handlers.HealthHandler {
	return s.healthHandler
}

// RateLimiter returns the active limiter, or nil when rate limiting is disabled.
func (s *Server) RateLimiter() ratelimit.Limiter {
	return s.rateLimiter
}
