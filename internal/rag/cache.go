package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pazpaz/backend/internal/kv"
)

// cacheVersion is bumped whenever the cached envelope shape changes, so
// stale entries from an older build deserialize as a miss instead of
// garbage.
const cacheVersion = "v1"

// cacheTTL bounds how long an identical query is served from cache. Notes
// change slowly; five minutes keeps repeat questions cheap without serving
// visibly stale answers after an edit.
const cacheTTL = 5 * time.Minute

// queryCache stores finished answers keyed by workspace, query hash and the
// optional client scope. Failures never block a query; callers log and move
// on.
type queryCache struct {
	kv *kv.Store
}

type cacheEnvelope struct {
	Version        string     `json:"version"`
	Answer         string     `json:"answer"`
	Citations      []Citation `json:"citations"`
	Language       string     `json:"language"`
	TotalRetrieved int        `json:"total_retrieved"`
}

func cacheKey(workspaceID uuid.UUID, queryHash string, clientID *uuid.UUID) string {
	if clientID != nil {
		return fmt.Sprintf("ai:query:%s:%s:%s", workspaceID, queryHash, clientID)
	}
	return fmt.Sprintf("ai:query:%s:%s", workspaceID, queryHash)
}

// get probes the cache. A miss, an unreadable entry and a cache error all
// return ok=false; the error is surfaced for logging only.
func (c *queryCache) get(ctx context.Context, key string) (*cacheEnvelope, bool, error) {
	if c.kv == nil {
		return nil, false, nil
	}
	raw, found, err := c.kv.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	var env cacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Version != cacheVersion {
		return nil, false, nil
	}
	return &env, true, nil
}

// put stores a finished answer with the standard TTL.
func (c *queryCache) put(ctx context.Context, key string, env *cacheEnvelope) error {
	if c.kv == nil {
		return nil
	}
	env.Version = cacheVersion
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return c.kv.Set(ctx, key, raw, cacheTTL)
}
