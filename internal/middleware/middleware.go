// Package middleware carries the HTTP cross-cutting layers: request logging
// with metrics, panic recovery, CSRF enforcement, session authentication and
// the automatic audit trail around state-changing routes. Ordering matters
// and is fixed by the server: recover → logging → CSRF → auth → audit.
package middleware

import (
	"net"
	"net/http"
	"strings"
)

// statusRecorder captures the response code for logging, metrics and the
// audit trail.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ClientIP resolves the originating address, preferring the first
// X-Forwarded-For hop set by the edge proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken extracts an Authorization bearer credential, if any.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// isSafeMethod reports whether the method cannot change state.
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
