package auth_test

import (
	"testing"
	"time"

	"marketplace_auth/internal/auth"
	"marketplace_auth/internal/models"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCodec(t *testing.T) *auth.Codec {
	t.Helper()
	codec, err := auth.NewCodec("access-secret", "refresh-secret", 15*time.Minute, 7*24*time.Hour)
	require.NoError(t, err)
	return codec
}

func testUser() models.User {
	return models.User{
		ID:    uuid.Must(uuid.NewV4()),
		Email: "jane@example.com",
		Role:  models.RoleServiceProvider,
	}
}

func TestNewCodec(t *testing.T) {
	t.Parallel()

	_, err := auth.NewCodec("", "refresh", time.Minute, time.Hour)
	require.ErrorIs(t, err, auth.ErrMissingSecret)

	_, err = auth.NewCodec("same", "same", time.Minute, time.Hour)
	require.Error(t, err)
}

func TestIssuePair(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)
	user := testUser()

	pair, err := codec.IssuePair(user)
	require.NoError(t, err)
	require.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	access, err := codec.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), access.Subject)
	assert.Equal(t, user.Email, access.Email)
	assert.Equal(t, models.RoleServiceProvider, access.Role)
	assert.Equal(t, auth.TokenTypeAccess, access.Type)
	assert.NotEmpty(t, access.ID)

	refresh, err := codec.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), refresh.Subject)
	assert.Equal(t, auth.TokenTypeRefresh, refresh.Type)
}

func TestIssuePairUniquePerCall(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)
	user := testUser()

	first, err := codec.IssuePair(user)
	require.NoError(t, err)
	second, err := codec.IssuePair(user)
	require.NoError(t, err)

	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
}

func TestTokenClassesAreNotInterchangeable(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)

	pair, err := codec.IssuePair(testUser())
	require.NoError(t, err)

	t.Run("refresh token rejected as access", func(t *testing.T) {
		_, err := codec.VerifyAccess(pair.RefreshToken)
		require.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("access token rejected as refresh", func(t *testing.T) {
		_, err := codec.VerifyRefresh(pair.AccessToken)
		require.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("refresh typed claims signed with access secret", func(t *testing.T) {
		forged, err := codec.Issue(auth.Claims{
			Type:             auth.TokenTypeRefresh,
			RegisteredClaims: jwt.RegisteredClaims{Subject: "someone"},
		}, []byte("access-secret"), time.Minute)
		require.NoError(t, err)

		_, err = codec.VerifyAccess(forged)
		require.ErrorIs(t, err, auth.ErrWrongTokenType)
	})
}

func TestVerifyExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	codec := newCodec(t).WithClock(func() time.Time { return now })

	pair, err := codec.IssuePair(testUser())
	require.NoError(t, err)

	now = now.Add(16 * time.Minute)
	_, err = codec.VerifyAccess(pair.AccessToken)
	require.ErrorIs(t, err, auth.ErrExpiredToken)

	_, err = codec.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
}

func TestVerifyRejectsGarbageAndOtherAlgorithms(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)

	_, err := codec.VerifyAccess("not-a-token")
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, auth.Claims{
		Type: auth.TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "x",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = codec.VerifyAccess(unsigned)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}
