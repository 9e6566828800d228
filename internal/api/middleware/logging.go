package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Logger returns a request logging middleware using zerolog. Scrapes of
// /metrics and /health are logged at debug level.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	logger = logger.With().Str("component", "admin_http").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				level := zerolog.InfoLevel
				switch {
				case ww.Status() >= http.StatusInternalServerError:
					level = zerolog.WarnLevel
				case r.URL.Path == "/metrics" || r.URL.Path == "/health":
					level = zerolog.DebugLevel
				}
				logger.WithLevel(level).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
