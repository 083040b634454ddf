package middleware

import (
	"errors"
	"net/http"

	"github.com/echoanalytics/echo-gate/internal/auth"
	"github.com/echoanalytics/echo-gate/internal/metrics"
	"github.com/echoanalytics/echo-gate/pkg/logger"
)

// Auth returns a middleware that rejects requests the gate does not authorize.
// A missing key yields 401 and a wrong key 403.
func Auth(gate *auth.Gate, log *logger.Logger) Middleware {
	if log == nil {
		log = logger.Nop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := gate.Authorize(r.URL.Path, r.Header.Get(gate.Header()))
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			reason := "invalid"
			if errors.Is(err, auth.ErrMissingCredential) {
				reason = "missing"
			}
			metrics.RecordAuthRejected(reason)
			log.Info("request rejected by auth",
				"reason", reason,
				"path", r.URL.Path,
				"client_ip", GetClientIP(r.Context()),
				"request_id", GetRequestID(r.Context()),
			)

			writeError(w, auth.StatusCode(err), gate.Detail(err))
		})
	}
}
