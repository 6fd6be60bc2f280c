package reset_test

import (
	"context"
	"testing"
	"time"

	"marketplace_auth/internal/reset"
	"marketplace_auth/internal/storage/memory"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndFind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := reset.NewManager(memory.New(), 0)
	userID := uuid.Must(uuid.NewV4())

	token, err := m.CreateToken(ctx, userID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	record, err := m.FindByToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, userID, record.UserID)
	assert.NotEqual(t, token, record.TokenHash)

	_, err = m.FindByToken(ctx, "unknown")
	require.ErrorIs(t, err, reset.ErrResetTokenNotFound)
}

func TestFindExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	m := reset.NewManager(memory.New(), time.Hour).WithClock(func() time.Time { return now })

	token, err := m.CreateToken(ctx, uuid.Must(uuid.NewV4()))
	require.NoError(t, err)

	now = now.Add(61 * time.Minute)
	_, err = m.FindByToken(ctx, token)
	require.ErrorIs(t, err, reset.ErrResetTokenExpired)

	// the expired record was removed
	_, err = m.FindByToken(ctx, token)
	require.ErrorIs(t, err, reset.ErrResetTokenNotFound)
}

func TestConsumeAndClearAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := reset.NewManager(memory.New(), 0)
	userID := uuid.Must(uuid.NewV4())
	other := uuid.Must(uuid.NewV4())

	first, err := m.CreateToken(ctx, userID)
	require.NoError(t, err)
	second, err := m.CreateToken(ctx, userID)
	require.NoError(t, err)
	foreign, err := m.CreateToken(ctx, other)
	require.NoError(t, err)

	record, err := m.FindByToken(ctx, first)
	require.NoError(t, err)
	require.NoError(t, m.ConsumeToken(ctx, record.ID))
	require.ErrorIs(t, m.ConsumeToken(ctx, record.ID), reset.ErrResetTokenNotFound)

	_, err = m.FindByToken(ctx, first)
	require.ErrorIs(t, err, reset.ErrResetTokenNotFound)

	_, err = m.FindByToken(ctx, second)
	require.NoError(t, err)

	require.NoError(t, m.ClearAllForUser(ctx, userID))
	_, err = m.FindByToken(ctx, second)
	require.ErrorIs(t, err, reset.ErrResetTokenNotFound)

	_, err = m.FindByToken(ctx, foreign)
	require.NoError(t, err)
}

func TestSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	m := reset.NewManager(memory.New(), time.Minute).WithClock(func() time.Time { return now })

	_, err := m.CreateToken(ctx, uuid.Must(uuid.NewV4()))
	require.NoError(t, err)

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(2 * time.Minute)
	n, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
