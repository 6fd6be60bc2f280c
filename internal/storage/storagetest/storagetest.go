// Package storagetest is a behavioural suite every storage.Storage backend
// must pass.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketplace_auth/internal/models"
	"marketplace_auth/internal/storage"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes the suite. newStorage must return an empty backend.
func Run(t *testing.T, newStorage func(t *testing.T) storage.Storage) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStorage(t)) })
	t.Run("otp", func(t *testing.T) { testOTP(t, newStorage(t)) })
	t.Run("refresh tokens", func(t *testing.T) { testRefreshTokens(t, newStorage(t)) })
	t.Run("concurrent consume", func(t *testing.T) { testConcurrentConsume(t, newStorage(t)) })
	t.Run("blacklist", func(t *testing.T) { testBlacklist(t, newStorage(t)) })
	t.Run("password reset tokens", func(t *testing.T) { testResetTokens(t, newStorage(t)) })
	t.Run("concurrent reset token delete", func(t *testing.T) { testConcurrentResetDelete(t, newStorage(t)) })
}

// the truncation keeps timestamps comparable across backends with
// microsecond or millisecond precision
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newUser(email string) models.User {
	ts := now()
	return models.User{
		ID:           uuid.Must(uuid.NewV4()),
		Email:        email,
		PasswordHash: "hash",
		Role:         models.RoleCustomer,
		Profile:      models.Profile{Customer: &models.CustomerProfile{FullName: "Test User", Phone: "+100"}},
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
}

func testUsers(t *testing.T, st storage.Storage) {
	ctx := context.Background()

	empty, err := st.ListUsers(ctx)
	require.NoError(t, err)
	require.NotNil(t, empty)
	assert.Empty(t, empty)

	user := newUser("Mixed@Example.com")
	require.NoError(t, st.CreateUser(ctx, user))

	got, err := st.GetUserByEmail(ctx, "mixed@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "mixed@example.com", got.Email)
	assert.Equal(t, models.RoleCustomer, got.Role)
	require.NotNil(t, got.Profile.Customer)
	assert.Equal(t, "Test User", got.Profile.Customer.FullName)

	dup := newUser("mixed@example.com")
	require.ErrorIs(t, st.CreateUser(ctx, dup), storage.ErrEmailExists)

	_, err = st.GetUserByID(ctx, uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.GetUserByEmail(ctx, "nobody@example.com")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, st.UpdatePasswordHash(ctx, user.ID, "new-hash"))
	got, err = st.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)

	require.ErrorIs(t, st.UpdatePasswordHash(ctx, uuid.Must(uuid.NewV4()), "x"), storage.ErrNotFound)

	provider := newUser("shop@example.com")
	provider.Role = models.RoleServiceProvider
	provider.Profile = models.Profile{ServiceProvider: &models.ServiceProviderProfile{BusinessName: "Shop"}}
	require.NoError(t, st.CreateUser(ctx, provider))

	users, err := st.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func testOTP(t *testing.T, st storage.Storage) {
	ctx := context.Background()

	user := newUser("otp@example.com")
	require.NoError(t, st.CreateUser(ctx, user))

	issued := now()
	require.NoError(t, st.SetOTP(ctx, user.ID, models.OTP{
		Code:      "123456",
		IssuedAt:  issued,
		ExpiresAt: issued.Add(15 * time.Minute),
	}))

	got, err := st.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OTP)
	assert.Equal(t, "123456", got.OTP.Code)
	assert.True(t, got.OTP.IssuedAt.Equal(issued))
	assert.Zero(t, got.OTP.Attempts)

	for want := 1; want <= 3; want++ {
		n, err := st.IncrementOTPAttempts(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	// a fresh code resets the counter
	require.NoError(t, st.SetOTP(ctx, user.ID, models.OTP{
		Code:      "654321",
		IssuedAt:  issued,
		ExpiresAt: issued.Add(15 * time.Minute),
	}))
	got, err = st.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, got.OTP.Attempts)

	require.NoError(t, st.ClearOTP(ctx, user.ID))
	got, err = st.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, got.OTP)

	require.NoError(t, st.SetOTP(ctx, user.ID, models.OTP{Code: "111111", IssuedAt: issued, ExpiresAt: issued.Add(time.Minute)}))
	require.NoError(t, st.MarkEmailVerified(ctx, user.ID))
	got, err = st.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)
	assert.Nil(t, got.OTP)
}

func newRefresh(userID uuid.UUID, hash string, ttl time.Duration) models.RefreshToken {
	ts := now()
	return models.RefreshToken{
		ID:        uuid.Must(uuid.NewV4()),
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: ts.Add(ttl),
		CreatedAt: ts,
	}
}

func testRefreshTokens(t *testing.T, st storage.Storage) {
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	other := uuid.Must(uuid.NewV4())

	require.NoError(t, st.CreateRefreshToken(ctx, newRefresh(userID, storage.HashToken("a"), time.Hour)))
	require.NoError(t, st.CreateRefreshToken(ctx, newRefresh(userID, storage.HashToken("b"), time.Hour)))
	require.NoError(t, st.CreateRefreshToken(ctx, newRefresh(userID, storage.HashToken("stale"), -time.Minute)))
	require.NoError(t, st.CreateRefreshToken(ctx, newRefresh(other, storage.HashToken("c"), time.Hour)))

	got, err := st.ConsumeRefreshToken(ctx, userID, storage.HashToken("a"), now())
	require.NoError(t, err)
	assert.Equal(t, userID, got.UserID)

	_, err = st.ConsumeRefreshToken(ctx, userID, storage.HashToken("a"), now())
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = st.ConsumeRefreshToken(ctx, other, storage.HashToken("b"), now())
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = st.ConsumeRefreshToken(ctx, userID, storage.HashToken("stale"), now())
	require.ErrorIs(t, err, storage.ErrNotFound)

	n, err := st.DeleteExpiredRefreshTokens(ctx, now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = st.DeleteUserRefreshTokens(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.ConsumeRefreshToken(ctx, userID, storage.HashToken("b"), now())
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = st.ConsumeRefreshToken(ctx, other, storage.HashToken("c"), now())
	require.NoError(t, err)
}

func testConcurrentConsume(t *testing.T, st storage.Storage) {
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	hash := storage.HashToken("shared")

	require.NoError(t, st.CreateRefreshToken(ctx, newRefresh(userID, hash, time.Hour)))

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.ConsumeRefreshToken(ctx, userID, hash, now()); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
}

func testBlacklist(t *testing.T, st storage.Storage) {
	ctx := context.Background()
	ts := now()

	live := models.BlacklistEntry{TokenHash: storage.HashToken("live"), ExpiresAt: ts.Add(time.Hour), CreatedAt: ts}
	require.NoError(t, st.AddBlacklistEntry(ctx, live))
	// adding twice is harmless
	require.NoError(t, st.AddBlacklistEntry(ctx, live))

	old := models.BlacklistEntry{TokenHash: storage.HashToken("old"), ExpiresAt: ts.Add(-time.Minute), CreatedAt: ts}
	require.NoError(t, st.AddBlacklistEntry(ctx, old))

	listed, err := st.IsBlacklisted(ctx, live.TokenHash, ts)
	require.NoError(t, err)
	assert.True(t, listed)

	listed, err = st.IsBlacklisted(ctx, old.TokenHash, ts)
	require.NoError(t, err)
	assert.False(t, listed)

	listed, err = st.IsBlacklisted(ctx, storage.HashToken("never"), ts)
	require.NoError(t, err)
	assert.False(t, listed)

	n, err := st.DeleteExpiredBlacklistEntries(ctx, ts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testResetTokens(t *testing.T, st storage.Storage) {
	ctx := context.Background()
	ts := now()
	userID := uuid.Must(uuid.NewV4())

	newReset := func(token string, ttl time.Duration) models.PasswordResetToken {
		return models.PasswordResetToken{
			ID:        uuid.Must(uuid.NewV4()),
			UserID:    userID,
			TokenHash: storage.HashToken(token),
			ExpiresAt: ts.Add(ttl),
			CreatedAt: ts,
		}
	}

	first := newReset("first", time.Hour)
	second := newReset("second", time.Hour)
	expired := newReset("expired", -time.Minute)
	for _, tok := range []models.PasswordResetToken{first, second, expired} {
		require.NoError(t, st.CreatePasswordResetToken(ctx, tok))
	}

	got, err := st.GetPasswordResetToken(ctx, first.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, userID, got.UserID)

	_, err = st.GetPasswordResetToken(ctx, storage.HashToken("missing"))
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, st.DeletePasswordResetToken(ctx, first.ID))
	_, err = st.GetPasswordResetToken(ctx, first.TokenHash)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, st.DeletePasswordResetToken(ctx, first.ID), storage.ErrNotFound)

	n, err := st.DeleteExpiredPasswordResetTokens(ctx, ts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = st.DeleteUserPasswordResetTokens(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.GetPasswordResetToken(ctx, second.TokenHash)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentResetDelete(t *testing.T, st storage.Storage) {
	ctx := context.Background()
	ts := now()

	token := models.PasswordResetToken{
		ID:        uuid.Must(uuid.NewV4()),
		UserID:    uuid.Must(uuid.NewV4()),
		TokenHash: storage.HashToken("shared"),
		ExpiresAt: ts.Add(time.Hour),
		CreatedAt: ts,
	}
	require.NoError(t, st.CreatePasswordResetToken(ctx, token))

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.DeletePasswordResetToken(ctx, token.ID); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
}
