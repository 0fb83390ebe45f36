package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/repository"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotContains(t, hash, "correct horse")

	assert.True(t, VerifyPassword("correct horse battery staple", hash))
	assert.False(t, VerifyPassword("wrong password", hash))
	assert.False(t, VerifyPassword("anything", "not-a-valid-hash"))
}

func TestHashPasswordUsesFreshSalt(t *testing.T) {
	a, err := HashPassword("same input")
	require.NoError(t, err)
	b, err := HashPassword("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSessionTokenRoundTrip(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("conductor-test")
	require.NoError(t, err)

	token, err := mgr.GenerateSessionToken("op-123", "alice", "admin")
	require.NoError(t, err)

	claims, err := mgr.ValidateSessionToken(token)
	require.NoError(t, err)
	assert.Equal(t, "op-123", claims.OperatorID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "admin", claims.Role)
}

func TestValidateRejectsForeignAndGarbageTokens(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("conductor-test")
	require.NoError(t, err)
	other, err := NewJWTManagerGenerated("conductor-test")
	require.NoError(t, err)

	foreign, err := other.GenerateSessionToken("op-1", "bob", "operator")
	require.NoError(t, err)

	_, err = mgr.ValidateSessionToken(foreign)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = mgr.ValidateSessionToken("garbage.token.here")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func seedOperator(t *testing.T, operators repository.OperatorRepository, username, password string) *db.Operator {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	op := &db.Operator{
		Username:   username,
		SecretHash: db.EncryptedString(hash),
		Role:       "operator",
	}
	require.NoError(t, operators.Create(context.Background(), op))
	return op
}

func TestServiceLogin(t *testing.T) {
	_, store := repository.NewMemoryStore()
	mgr, err := NewJWTManagerGenerated("conductor-test")
	require.NoError(t, err)
	svc := NewService(store.Operators, mgr, zap.NewNop())

	seedOperator(t, store.Operators, "alice", "hunter2hunter2")

	session, err := svc.Login(context.Background(), "alice", "hunter2hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, "alice", session.Operator.Username)

	_, err = svc.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Unknown accounts fail the same way as bad passwords.
	_, err = svc.Login(context.Background(), "mallory", "hunter2hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestServiceResetPassword(t *testing.T) {
	_, store := repository.NewMemoryStore()
	mgr, err := NewJWTManagerGenerated("conductor-test")
	require.NoError(t, err)
	svc := NewService(store.Operators, mgr, zap.NewNop())

	op := seedOperator(t, store.Operators, "alice", "old-password")

	require.NoError(t, svc.ResetPassword(context.Background(), op.ID, "old-password", "new-password"))

	_, err = svc.Login(context.Background(), "alice", "old-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(context.Background(), "alice", "new-password")
	assert.NoError(t, err)

	// Wrong current secret leaves the stored one untouched.
	err = svc.ResetPassword(context.Background(), op.ID, "bogus", "another")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
