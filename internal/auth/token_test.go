package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pazpaz/backend/internal/core"
)

func testSigner() *Signer {
	return NewSigner([]byte("0123456789abcdef0123456789abcdef"), 7*24*time.Hour)
}

func testUser() *core.User {
	return &core.User{
		ID:          uuid.New(),
		WorkspaceID: uuid.New(),
		Email:       "maya@example.com",
		IsActive:    true,
	}
}

func TestMintVerifyRoundTrip(t *testing.T) {
	s := testSigner()
	user := testUser()

	session, err := s.Mint(user)
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.NotEmpty(t, session.CSRFToken)
	assert.NotEmpty(t, session.Identity.Nonce)
	assert.True(t, session.ExpiresAt.After(time.Now().Add(6*24*time.Hour)))

	id, err := s.Verify(session.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, id.UserID)
	assert.Equal(t, user.WorkspaceID, id.WorkspaceID)
	assert.Equal(t, user.Email, id.Email)
	assert.Equal(t, session.Identity.Nonce, id.Nonce)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s := testSigner()
	session, err := s.Mint(testUser())
	require.NoError(t, err)

	body, sig, ok := strings.Cut(session.Token, ".")
	require.True(t, ok)
	first := byte('A')
	if body[0] == 'A' {
		first = 'B'
	}

	_, err = s.Verify(string(first) + body[1:] + "." + sig)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	a := NewSigner([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), time.Hour)
	b := NewSigner([]byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"), time.Hour)

	session, err := a.Mint(testUser())
	require.NoError(t, err)

	_, err = b.Verify(session.Token)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestVerifyRejectsMalformedTokens(t *testing.T) {
	s := testSigner()
	for _, token := range []string{"", "nodot", ".sig", "body.", "a.b.c", "!!!.???"} {
		_, err := s.Verify(token)
		assert.ErrorIs(t, err, core.ErrUnauthenticated, "token %q", token)
	}
}

func TestVerifyRejectsExpiredSession(t *testing.T) {
	s := testSigner()
	session, err := s.Mint(testUser())
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	_, err = s.Verify(session.Token)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
	assert.Contains(t, err.Error(), "expired")
}

func TestCSRFTokenBoundToNonce(t *testing.T) {
	s := testSigner()
	session, err := s.Mint(testUser())
	require.NoError(t, err)

	assert.True(t, s.VerifyCSRF(session.Identity.Nonce, session.CSRFToken))
	assert.False(t, s.VerifyCSRF(session.Identity.Nonce, "forged"))
	assert.False(t, s.VerifyCSRF("another-nonce", session.CSRFToken))

	second, err := s.Mint(testUser())
	require.NoError(t, err)
	assert.NotEqual(t, session.CSRFToken, second.CSRFToken)
}

func TestIdentityContextRoundTrip(t *testing.T) {
	id := &Identity{UserID: uuid.New(), WorkspaceID: uuid.New(), Email: "maya@example.com"}

	ctx := WithIdentity(context.Background(), id)
	got, ok := IdentityFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = IdentityFrom(context.Background())
	assert.False(t, ok)
}
