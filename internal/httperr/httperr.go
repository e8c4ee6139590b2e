// Package httperr maps service errors onto HTTP responses at one point, so
// handlers never switch on status codes themselves. Classification uses
// errors.Is against the shared kinds in core plus the crypto codec errors.
package httperr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/crypto"
)

// Response is the default error body: {"detail": "..."}.
type Response struct {
	Detail string `json:"detail"`
}

// Status classifies err into an HTTP status code.
func Status(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnprocessable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrGone):
		return http.StatusGone
	case errors.Is(err, core.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Write sends the error response for err. Internal errors (including any
// codec failure) are logged with detail but answered opaquely; client errors
// carry their message.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	status := Status(err)

	detail := err.Error()
	if status == http.StatusInternalServerError {
		if errors.Is(err, crypto.ErrEncryptionFailed) || errors.Is(err, crypto.ErrDecryptionFailed) ||
			errors.Is(err, crypto.ErrUnknownKeyVersion) {
			slog.Error("PHI codec failure", "path", r.URL.Path, "error", err)
		} else {
			slog.Error("internal error", "path", r.URL.Path, "error", err)
		}
		detail = "internal server error"
	}

	WriteJSON(w, status, Response{Detail: detail})
}

// WriteJSON sends any JSON body with a status code.
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
