package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/echoanalytics/echo-gate/internal/metrics"
	"github.com/echoanalytics/echo-gate/internal/ratelimit"
	"github.com/echoanalytics/echo-gate/pkg/logger"
)

// Rate limit response headers.
const (
	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// RateLimitConfig holds configuration for the rate limit middleware.
type RateLimitConfig struct {
	// Resolver derives the identity when ClientIP has not run earlier in the chain.
	Resolver *ClientIPResolver
	Logger   *logger.Logger
	// Now is the wall clock used for X-RateLimit-Reset. Defaults to time.Now.
	Now func() time.Time
}

// RateLimit returns a middleware that admits or rejects requests through limiter
// and reports quota state in X-RateLimit-* headers.
func RateLimit(limiter ratelimit.Limiter, cfg RateLimitConfig) Middleware {
	if cfg.Resolver == nil {
		cfg.Resolver = NewClientIPResolver(true, nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := GetClientIP(r.Context())
			if identity == "" {
				identity = cfg.Resolver.Resolve(r)
			}

			decision, err := limiter.Allow(r.Context(), identity)
			if err != nil {
				// Fail open on error - log and continue
				cfg.Logger.Warn("rate limiter error, admitting request",
					"identity", identity,
					"request_id", GetRequestID(r.Context()),
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			if !decision.Allowed {
				metrics.RecordRateLimited()
				cfg.Logger.Debug("request rate limited",
					"identity", identity,
					"retry_after", decision.RetryAfterSeconds(),
					"request_id", GetRequestID(r.Context()),
				)
				writeRateLimitResponse(w, decision, cfg.Now())
				return
			}

			hw := &headerWriter{
				ResponseWriter: w,
				decorate: func(h http.Header) {
					setRateLimitHeaders(h, decision, cfg.Now())
				},
			}
			next.ServeHTTP(hw, r)
			hw.finish()
		})
	}
}

// setRateLimitHeaders sets the quota headers for an admitted request.
func setRateLimitHeaders(h http.Header, d *ratelimit.Decision, now time.Time) {
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(int(math.Floor(d.Remaining))))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(now.Add(d.ResetAfter).Unix(), 10))
}

// writeRateLimitResponse writes the 429 response.
func writeRateLimitResponse(w http.ResponseWriter, d *ratelimit.Decision, now time.Time) {
	retry := d.RetryAfterSeconds()

	h := w.Header()
	h.Set(HeaderRetryAfter, strconv.Itoa(retry))
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, "0")
	h.Set(HeaderRateLimitReset, strconv.FormatInt(now.Unix()+int64(retry), 10))

	writeError(w, http.StatusTooManyRequests,
		fmt.Sprintf("Rate limit exceeded. Retry after %d seconds.", retry))
}

// headerWriter adds headers to the downstream response just before they are sent.
type headerWriter struct {
	http.ResponseWriter
	decorate func(http.Header)
	done     bool
}

func (hw *headerWriter) apply() {
	if !hw.done {
		hw.done = true
		hw.decorate(hw.ResponseWriter.Header())
	}
}

func (hw *headerWriter) WriteHeader(code int) {
	hw.apply()
	hw.ResponseWriter.WriteHeader(code)
}

func (hw *headerWriter) Write(b []byte) (int, error) {
	hw.apply()
	return hw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for streaming handlers.
func (hw *headerWriter) Flush() {
	hw.apply()
	if f, ok := hw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (hw *headerWriter) Unwrap() http.ResponseWriter {
	return hw.ResponseWriter
}

// finish covers handlers that return without writing; net/http sends the implicit 200 afterwards.
func (hw *headerWriter) finish() {
	hw.apply()
}
