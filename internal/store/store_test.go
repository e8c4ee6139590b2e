package store

import (
	"bytes"
	"database/sql/driver"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/pazpaz/backend/internal/crypto"
)

func newTestCodec(t *testing.T) *crypto.Codec {
	t.Helper()
	ring, err := crypto.NewKeyring(crypto.StaticKeySource{
		1: bytes.Repeat([]byte{0x5a}, crypto.KeySize),
	}, 1)
	require.NoError(t, err)
	return crypto.NewCodec(ring)
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &DB{DB: db}, mock
}

// ciphertextOf matches a bound PHI argument: a non-empty version-tagged blob
// that does not contain the plaintext it was sealed from. This is the
// at-rest guarantee, checked at the driver boundary.
type ciphertextOf string

func (c ciphertextOf) Match(v driver.Value) bool {
	blob, ok := v.([]byte)
	if !ok {
		return false
	}
	return len(blob) > 0 &&
		bytes.HasPrefix(blob, []byte("v")) &&
		!bytes.Contains(blob, []byte(c))
}
