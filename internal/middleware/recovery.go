package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/echoanalytics/echo-gate/internal/metrics"
	"github.com/echoanalytics/echo-gate/pkg/logger"
)

// Recovery returns a middleware that turns handler panics into a JSON 500.
func Recovery(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					metrics.RecordPanicRecovered()
					log.Error("panic recovered",
						"method", r.Method,
						"path", r.URL.Path,
						"panic", rec,
						"stack", string(debug.Stack()),
					)
					writeError(w, http.StatusInternalServerError, "unexpected server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
