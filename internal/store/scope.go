package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/crypto"
)

// ErrVersionConflict is returned by compare-and-set updates that lost the
// race. It wraps core.ErrConflict for HTTP mapping.
var ErrVersionConflict = fmt.Errorf("stale version: %w", core.ErrConflict)

// notFound maps sql.ErrNoRows onto core.ErrNotFound. Used by every scoped
// load so absent rows and other-workspace rows answer identically.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, core.ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

// requireRow turns a zero-row UPDATE or DELETE into core.ErrNotFound, which
// is how scoped writes against missing or foreign rows are surfaced.
func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, core.ErrNotFound)
	}
	return nil
}

// nullTime converts an optional time for binding.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr converts a scanned nullable time back.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// nullInt converts an optional int for binding.
func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

// intPtr converts a scanned nullable int back.
func intPtr(nn sql.NullInt64) *int {
	if !nn.Valid {
		return nil
	}
	n := int(nn.Int64)
	return &n
}

// fieldCryptor batches codec calls over one row and remembers the first
// failure, so scan code stays linear instead of error-checking every field.
type fieldCryptor struct {
	ctx   context.Context
	codec *crypto.Codec
	err   error
}

func newFieldCryptor(ctx context.Context, codec *crypto.Codec) *fieldCryptor {
	return &fieldCryptor{ctx: ctx, codec: codec}
}

// seal encrypts one PHI field.
func (f *fieldCryptor) seal(plaintext string) []byte {
	if f.err != nil {
		return nil
	}
	blob, err := f.codec.Encrypt(f.ctx, plaintext)
	if err != nil {
		f.err = err
	}
	return blob
}

// open decrypts one PHI field.
func (f *fieldCryptor) open(blob []byte) string {
	if f.err != nil {
		return ""
	}
	plaintext, err := f.codec.Decrypt(f.ctx, blob)
	if err != nil {
		f.err = err
	}
	return plaintext
}
