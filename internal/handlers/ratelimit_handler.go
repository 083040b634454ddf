package handlers

import (
	"net/http"
	"strings"

	"github.com/echoanalytics/echo-gate/internal/middleware"
	"github.com/echoanalytics/echo-gate/internal/ratelimit"
	"github.com/echoanalytics/echo-gate/pkg/logger"
)

// WhoamiResponse echoes how the gateway sees the caller.
type WhoamiResponse struct {
	Identity  string `json:"identity"`
	RequestID string `json:"request_id"`
}

// ResetResponse confirms a bucket reset.
type ResetResponse struct {
	Identity string `json:"identity"`
	Status   string `json:"status"`
}

// RateLimitHandler exposes rate limit state to authenticated callers.
type RateLimitHandler struct {
	limiter ratelimit.Limiter
	log     *logger.Logger
}

// NewRateLimitHandler creates a new RateLimitHandler. limiter may be nil when rate limiting is disabled.
func NewRateLimitHandler(limiter ratelimit.Limiter, log *logger.Logger) *RateLimitHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &RateLimitHandler{limiter: limiter, log: log}
}

// Whoami handles GET /api/v1/whoami.
func (h *RateLimitHandler) Whoami(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetClientIP(r.Context())
	if identity == "" {
		identity = ratelimit.UnknownIdentity
	}

	writeJSON(w, http.StatusOK, WhoamiResponse{
		Identity:  identity,
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

// Reset handles DELETE /api/v1/ratelimit/{identity}.
func (h *RateLimitHandler) Reset(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.PathValue("identity"))
	if identity == "" {
		writeJSON(w, http.StatusBadRequest, middleware.ErrorResponse{
			Error:  http.StatusText(http.StatusBadRequest),
			Detail: "identity is required",
		})
		return
	}

	if h.limiter == nil {
		writeJSON(w, http.StatusNotFound, middleware.ErrorResponse{
			Error:  http.StatusText(http.StatusNotFound),
			Detail: "rate limiting is disabled",
		})
		return
	}

	if err := h.limiter.Reset(r.Context(), identity); err != nil {
		h.log.Error("failed to reset rate limit",
			"identity", identity,
			"request_id", middleware.GetRequestID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, middleware.ErrorResponse{
			Error:  http.StatusText(http.StatusServiceUnavailable),
			Detail: "rate limit store unavailable",
		})
		return
	}

	h.log.Info("rate limit reset", "identity", identity)
	writeJSON(w, http.StatusOK, ResetResponse{Identity: identity, Status: "reset"})
}
