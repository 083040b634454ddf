package middleware

import (
	"net/http"
	"time"

	"github.com/echoanalytics/echo-gate/pkg/logger"
)

// Logging returns a middleware that writes one access log entry per request.
func Logging(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"size", rw.size,
				"duration", time.Since(start).String(),
				"client_ip", GetClientIP(r.Context()),
				"request_id", GetRequestID(r.Context()),
			)
		})
	}
}
