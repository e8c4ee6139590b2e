package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/pazpaz/backend/internal/httperr"
	"github.com/pazpaz/backend/internal/metrics"
)

// Recover turns handler panics into opaque 500s instead of dropped
// connections.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("handler panic",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", p,
				)
				httperr.WriteJSON(w, http.StatusInternalServerError,
					httperr.Response{Detail: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Logging writes one access-log line per request and records the request
// metric under the route template, keeping label cardinality bounded.
func Logging(m *metrics.Metrics) mux.MiddlewareFunc {
	logger := slog.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			m.RecordHTTPRequest(r.Method, routeTemplate(r), strconv.Itoa(rec.status), elapsed.Seconds())
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
				"ip", ClientIP(r),
			)
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
