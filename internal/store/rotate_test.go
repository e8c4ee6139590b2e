package store

import (
	"bytes"
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pazpaz/backend/internal/crypto"
)

// rotateFixture encrypts under key v1 and sweeps with v2 active.
type rotateFixture struct {
	rotator *Rotator
	mock    sqlmock.Sqlmock
	oldSeal func(t *testing.T, plaintext string) []byte
}

func newRotateFixture(t *testing.T) *rotateFixture {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	source := crypto.StaticKeySource{
		1: bytes.Repeat([]byte{0x01}, crypto.KeySize),
		2: bytes.Repeat([]byte{0x02}, crypto.KeySize),
	}

	oldRing, err := crypto.NewKeyring(source, 1)
	require.NoError(t, err)
	oldCodec := crypto.NewCodec(oldRing)

	newRing, err := crypto.NewKeyring(source, 2)
	require.NoError(t, err)

	return &rotateFixture{
		rotator: NewRotator(&DB{DB: db}, crypto.NewCodec(newRing)),
		mock:    mock,
		oldSeal: func(t *testing.T, plaintext string) []byte {
			blob, err := oldCodec.Encrypt(context.Background(), plaintext)
			require.NoError(t, err)
			return blob
		},
	}
}

func clientRotateColumns() []string {
	return []string{"id", "first_name", "last_name", "email", "phone", "address",
		"medical_history", "emergency_contact", "notes"}
}

func (f *rotateFixture) expectEmptyTail(fromClients bool) {
	if fromClients {
		f.mock.ExpectQuery(`FROM clients`).WillReturnRows(sqlmock.NewRows(clientRotateColumns()))
	}
	f.mock.ExpectQuery(`FROM sessions`).WillReturnRows(
		sqlmock.NewRows([]string{"id", "subjective", "objective", "assessment", "plan"}))
	f.mock.ExpectQuery(`FROM workspaces`).WillReturnRows(
		sqlmock.NewRows([]string{"id", "provider_config"}))
}

// ===== SWEEP =====

func TestSweepRewritesStaleBlobs(t *testing.T) {
	f := newRotateFixture(t)
	id := uuid.New()
	stale := f.oldSeal(t, "Dana")

	f.mock.ExpectQuery(`FROM clients`).WillReturnRows(
		sqlmock.NewRows(clientRotateColumns()).
			AddRow(id, stale, nil, nil, nil, nil, nil, nil, nil))
	f.mock.ExpectExec(`UPDATE clients SET`).
		WithArgs(id, sqlmock.AnyArg(), nil, nil, nil, nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Keyset pagination: the batch after the last id comes back empty.
	f.expectEmptyTail(true)

	result, err := f.rotator.Sweep(context.Background(), 100)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Rewritten)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSweepLeavesCurrentBlobsAlone(t *testing.T) {
	f := newRotateFixture(t)
	id := uuid.New()

	current, err := f.rotator.codec.Encrypt(context.Background(), "Dana")
	require.NoError(t, err)

	f.mock.ExpectQuery(`FROM clients`).WillReturnRows(
		sqlmock.NewRows(clientRotateColumns()).
			AddRow(id, current, nil, nil, nil, nil, nil, nil, nil))
	f.expectEmptyTail(true)

	result, err := f.rotator.Sweep(context.Background(), 100)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 0, result.Rewritten, "active-version blobs must not be rewritten")
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSweepAbortsOnUndecryptableBlob(t *testing.T) {
	f := newRotateFixture(t)
	id := uuid.New()

	// Version tag names a key the ring does not have.
	orphan := append([]byte("v9:"), bytes.Repeat([]byte{0xff}, 44)...)

	f.mock.ExpectQuery(`FROM clients`).WillReturnRows(
		sqlmock.NewRows(clientRotateColumns()).
			AddRow(id, orphan, nil, nil, nil, nil, nil, nil, nil))

	_, err := f.rotator.Sweep(context.Background(), 100)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "rotate clients")
	assert.Contains(t, err.Error(), "first_name")
}
