package guard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketplace_auth/internal/auth"
	"marketplace_auth/internal/guard"
	"marketplace_auth/internal/models"
	"marketplace_auth/internal/session"
	"marketplace_auth/internal/storage/memory"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCodec(t *testing.T) *auth.Codec {
	t.Helper()
	codec, err := auth.NewCodec("access-secret", "refresh-secret", 15*time.Minute, time.Hour)
	require.NoError(t, err)
	return codec
}

func issue(t *testing.T, codec *auth.Codec, role models.Role) auth.TokenPair {
	t.Helper()
	pair, err := codec.IssuePair(models.User{
		ID:    uuid.Must(uuid.NewV4()),
		Email: "guard@example.com",
		Role:  role,
	})
	require.NoError(t, err)
	return pair
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "bearer abc", want: "abc"},
		{header: "", wantErr: true},
		{header: "Bearer", wantErr: true},
		{header: "Bearer   ", wantErr: true},
		{header: "Basic abc", wantErr: true},
		{header: "abc", wantErr: true},
	}

	for _, tt := range tests {
		got, err := guard.BearerToken(tt.header)
		if tt.wantErr {
			require.ErrorIs(t, err, guard.ErrUnauthorized, "header %q", tt.header)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	codec := newCodec(t)
	pair := issue(t, codec, models.RoleCustomer)

	req := &guard.Request{Header: "Bearer " + pair.AccessToken}
	require.NoError(t, guard.Authenticate(codec)(ctx, req))
	require.NotNil(t, req.Claims)
	assert.Equal(t, models.RoleCustomer, req.Claims.Role)
	assert.Equal(t, pair.AccessToken, req.Token)

	// a refresh token is not an access credential
	req = &guard.Request{Header: "Bearer " + pair.RefreshToken}
	require.ErrorIs(t, guard.Authenticate(codec)(ctx, req), guard.ErrUnauthorized)

	req = &guard.Request{Header: "Bearer garbage"}
	require.ErrorIs(t, guard.Authenticate(codec)(ctx, req), guard.ErrUnauthorized)
}

func TestAccessRejectsRevokedToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	codec := newCodec(t)
	blacklist := session.NewBlacklist(memory.New())
	access := guard.Access(codec, blacklist)

	pair := issue(t, codec, models.RoleCustomer)
	require.NoError(t, access(ctx, &guard.Request{Header: "Bearer " + pair.AccessToken}))

	claims, err := codec.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	require.NoError(t, blacklist.Revoke(ctx, pair.AccessToken, claims.ExpiresAt.Time))

	err = access(ctx, &guard.Request{Header: "Bearer " + pair.AccessToken})
	require.ErrorIs(t, err, guard.ErrUnauthorized)

	// other tokens of the same user still pass
	other := issue(t, codec, models.RoleCustomer)
	require.NoError(t, access(ctx, &guard.Request{Header: "Bearer " + other.AccessToken}))
}

func TestRequireRole(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	codec := newCodec(t)
	blacklist := session.NewBlacklist(memory.New())
	adminOnly := guard.Chain(guard.Access(codec, blacklist), guard.RequireRole(models.RoleAdmin))

	admin := issue(t, codec, models.RoleAdmin)
	require.NoError(t, adminOnly(ctx, &guard.Request{Header: "Bearer " + admin.AccessToken}))

	customer := issue(t, codec, models.RoleCustomer)
	require.ErrorIs(t, adminOnly(ctx, &guard.Request{Header: "Bearer " + customer.AccessToken}), guard.ErrForbidden)

	// unauthenticated requests never reach the role check
	require.ErrorIs(t, adminOnly(ctx, &guard.Request{}), guard.ErrUnauthorized)

	require.ErrorIs(t, guard.RequireRole(models.RoleAdmin)(ctx, &guard.Request{}), guard.ErrUnauthorized)
}

type failingChecker struct{}

func (failingChecker) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("store unavailable")
}

func TestNotRevokedStorageFailure(t *testing.T) {
	t.Parallel()

	err := guard.NotRevoked(failingChecker{})(context.Background(), &guard.Request{Token: "tok"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, guard.ErrUnauthorized)
}
