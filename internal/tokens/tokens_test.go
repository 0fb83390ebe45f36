package tokens

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	_, store := repository.NewMemoryStore()
	return NewStore(store.Tokens, zap.NewNop())
}

func TestActiveCreatesOnFirstAccess(t *testing.T) {
	store := newTestStore(t)
	operatorID := uuid.Must(uuid.NewV7())

	token, err := store.Active(context.Background(), operatorID)
	require.NoError(t, err)
	assert.NotEmpty(t, string(token.Value))
	assert.Equal(t, operatorID, token.OperatorID)

	// Second access returns the same value, not a fresh one.
	again, err := store.Active(context.Background(), operatorID)
	require.NoError(t, err)
	assert.Equal(t, string(token.Value), string(again.Value))
}

func TestRotateInvalidatesOldValue(t *testing.T) {
	store := newTestStore(t)
	operatorID := uuid.Must(uuid.NewV7())
	ctx := context.Background()

	old, err := store.Active(ctx, operatorID)
	require.NoError(t, err)

	// Old value validates before rotation.
	owner, err := store.Validate(ctx, string(old.Value))
	require.NoError(t, err)
	assert.Equal(t, operatorID, owner)

	fresh, err := store.Rotate(ctx, operatorID)
	require.NoError(t, err)
	assert.NotEqual(t, string(old.Value), string(fresh.Value))

	// Old value stops validating the moment Rotate returns.
	_, err = store.Validate(ctx, string(old.Value))
	assert.ErrorIs(t, err, ErrTokenUnknown)

	owner, err = store.Validate(ctx, string(fresh.Value))
	require.NoError(t, err)
	assert.Equal(t, operatorID, owner)
}

func TestRotateWithoutPriorTokenIssuesOne(t *testing.T) {
	store := newTestStore(t)
	operatorID := uuid.Must(uuid.NewV7())

	token, err := store.Rotate(context.Background(), operatorID)
	require.NoError(t, err)
	assert.NotEmpty(t, string(token.Value))
}

func TestValidateUnknownValue(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Validate(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrTokenUnknown)

	_, err = store.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrTokenUnknown)
}

func TestTokensAreScopedPerOperator(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	opA := uuid.Must(uuid.NewV7())
	opB := uuid.Must(uuid.NewV7())

	tokenA, err := store.Active(ctx, opA)
	require.NoError(t, err)
	tokenB, err := store.Active(ctx, opB)
	require.NoError(t, err)
	require.NotEqual(t, string(tokenA.Value), string(tokenB.Value))

	// Rotating A leaves B untouched.
	_, err = store.Rotate(ctx, opA)
	require.NoError(t, err)

	owner, err := store.Validate(ctx, string(tokenB.Value))
	require.NoError(t, err)
	assert.Equal(t, opB, owner)
}
