// Package audit writes the append-only audit trail. Writes are best-effort:
// the business action and its audit record are not transactionally coupled,
// so a failed insert logs and continues rather than rolling anything back.
// PHI text never enters event metadata; free-text queries are hashed first.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/metrics"
	"github.com/pazpaz/backend/internal/store"
)

// Resource types recorded on events.
const (
	ResourceClient      = "client"
	ResourceAppointment = "appointment"
	ResourceSession     = "session"
	ResourceTransaction = "payment_transaction"
	ResourceUser        = "user"
	ResourceAIAgent     = "ai_agent"
)

// Entry is one event before persistence assigns id and timestamp.
type Entry struct {
	UserID       *uuid.UUID
	WorkspaceID  uuid.UUID
	Action       core.AuditAction
	ResourceType string
	ResourceID   *uuid.UUID
	Metadata     map[string]interface{}
	IPAddress    string
}

// Emitter persists audit events.
type Emitter struct {
	db      store.Querier
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time
}

// NewEmitter builds an emitter over the database.
func NewEmitter(db store.Querier, m *metrics.Metrics) *Emitter {
	return &Emitter{
		db:      db,
		metrics: m,
		logger:  log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Emit writes one event. Failures log and return; callers never check.
func (e *Emitter) Emit(ctx context.Context, entry Entry) {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		e.logger.Printf("⚠️ drop event (%s %s): metadata marshal: %v", entry.Action, entry.ResourceType, err)
		return
	}
	if entry.Metadata == nil {
		metadata = nil
	}

	var userID interface{}
	if entry.UserID != nil {
		userID = *entry.UserID
	}
	var resourceID interface{}
	if entry.ResourceID != nil {
		resourceID = *entry.ResourceID
	}
	var ip interface{}
	if entry.IPAddress != "" {
		ip = entry.IPAddress
	}

	_, err = e.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, user_id, workspace_id, action, resource_type, resource_id, metadata, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New(), userID, entry.WorkspaceID, string(entry.Action), entry.ResourceType,
		resourceID, metadata, ip, e.now().UTC(),
	)
	if err != nil {
		// The primary operation already committed; log and continue.
		e.logger.Printf("⚠️ audit write failed (%s %s ws=%s): %v",
			entry.Action, entry.ResourceType, entry.WorkspaceID, err)
		return
	}
	e.metrics.RecordAuditWrite(string(entry.Action))
}

// HashQuery reduces a free-text query to the first 16 hex characters of its
// SHA-256, safe to store in event metadata.
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])[:16]
}
