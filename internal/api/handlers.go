package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pazpaz/backend/internal/auth"
	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/httperr"
)

// maxBodyBytes caps request bodies. Clinical notes run to a few kilobytes;
// a megabyte leaves room without inviting abuse.
const maxBodyBytes = 1 << 20

// decodeJSON reads the request body into dst, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httperr.Write(w, r, fmt.Errorf("invalid request body: %w", core.ErrBadRequest))
		return false
	}
	return true
}

// requireIdentity pulls the authenticated caller out of the context. The
// authentication middleware guarantees it on protected routes; a miss means
// a wiring bug and answers 401 rather than panicking.
func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		httperr.Write(w, r, fmt.Errorf("no identity in request context: %w", core.ErrUnauthenticated))
		return nil, false
	}
	return identity, true
}

// pathUUID parses a uuid path variable, answering 400 on garbage.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		httperr.Write(w, r, fmt.Errorf("invalid %s: %w", name, core.ErrBadRequest))
		return uuid.Nil, false
	}
	return id, true
}

// queryUUID parses an optional uuid query parameter.
func queryUUID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, core.ErrBadRequest)
	}
	return &id, nil
}

// pagination reads limit/offset with the given default page size.
func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// listResponse is the envelope for paginated collections.
type listResponse struct {
	Items  interface{} `json:"items"`
	Count  int         `json:"count"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}
