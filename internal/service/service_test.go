package service_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketplace_auth/internal/auth"
	"marketplace_auth/internal/mailer"
	"marketplace_auth/internal/models"
	"marketplace_auth/internal/otp"
	"marketplace_auth/internal/reset"
	"marketplace_auth/internal/service"
	"marketplace_auth/internal/session"
	"marketplace_auth/internal/storage"
	"marketplace_auth/internal/storage/memory"
	redisstore "marketplace_auth/internal/storage/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const resetURLBase = "https://app.example.com/reset-password/"

type outbox struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (o *outbox) Send(_ context.Context, msg mailer.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) last(t *testing.T) mailer.Message {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.sent)
	return o.sent[len(o.sent)-1]
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

type env struct {
	svc       *service.AuthService
	store     *memory.MemoryStorage
	codec     *auth.Codec
	blacklist *session.Blacklist
	outbox    *outbox
}

func newEnv(t *testing.T, users storage.UserStorage, tokens storage.RefreshTokenStorage) *env {
	t.Helper()

	store := memory.New()
	if users == nil {
		users = store
	}
	if tokens == nil {
		tokens = store
	}

	codec, err := auth.NewCodec("access-secret", "refresh-secret", 15*time.Minute, 7*24*time.Hour)
	require.NoError(t, err)

	verifier, err := auth.NewVerifier(users, bcrypt.MinCost)
	require.NoError(t, err)

	box := &outbox{}
	blacklist := session.NewBlacklist(store)
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	svc := service.NewService(log, service.Deps{
		Users:     users,
		Verifier:  verifier,
		Codec:     codec,
		Refresh:   session.NewRefreshStore(tokens, codec.RefreshTTL()),
		Blacklist: blacklist,
		OTP:       otp.NewManager(users, otp.Config{}),
		Reset:     reset.NewManager(store, time.Hour),
		Mailer:    box,
	}, service.Config{
		BcryptCost:   bcrypt.MinCost,
		ResetURLBase: resetURLBase,
	})

	return &env{svc: svc, store: store, codec: codec, blacklist: blacklist, outbox: box}
}

func (e *env) registerCustomer(t *testing.T, email, password string) models.User {
	t.Helper()
	user, err := e.svc.RegisterCustomer(context.Background(), service.CustomerRegistration{
		Email:    email,
		Password: password,
		Profile:  models.CustomerProfile{FullName: "Jane Doe"},
	})
	require.NoError(t, err)
	return user
}

func TestRegisterCustomer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil, nil)

	user := e.registerCustomer(t, "Jane@Example.com", "secret-pass")
	assert.Equal(t, "jane@example.com", user.Email)
	assert.Equal(t, models.RoleCustomer, user.Role)
	assert.Empty(t, user.PasswordHash)
	assert.False(t, user.EmailVerified)
	require.NotNil(t, user.Profile.Customer)
	assert.Equal(t, "Jane Doe", user.Profile.Customer.FullName)

	stored, err := e.store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.OTP)
	assert.NotEqual(t, "secret-pass", stored.PasswordHash)

	msg := e.outbox.last(t)
	assert.Equal(t, "jane@example.com", msg.To)
	assert.Equal(t, mailer.TagVerification, msg.Tag)
	assert.Contains(t, msg.TextBody, stored.OTP.Code)

	_, err = e.svc.RegisterCustomer(ctx, service.CustomerRegistration{
		Email:    "JANE@example.com",
		Password: "another-pass",
	})
	require.ErrorIs(t, err, service.ErrEmailExists)
}

func TestRegisterServiceProvider(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, nil)

	user, err := e.svc.RegisterServiceProvider(context.Background(), service.ServiceProviderRegistration{
		Email:    "shop@example.com",
		Password: "secret-pass",
		Profile:  models.ServiceProviderProfile{BusinessName: "Fix It", Categories: []string{"plumbing"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleServiceProvider, user.Role)
	assert.True(t, user.Profile.Matches(models.RoleServiceProvider))
}

func TestRegisterMailFailureKeepsAccount(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, nil)
	e.outbox.err = errors.New("smtp down")

	user := e.registerCustomer(t, "nomail@example.com", "secret-pass")

	_, err := e.store.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
}

type brokenUsers struct {
	*memory.MemoryStorage
}

func (brokenUsers) CreateUser(context.Context, models.User) error {
	return errors.New("connection reset")
}

func TestRegisterStorageFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t, brokenUsers{memory.New()}, nil)

	_, err := e.svc.RegisterServiceProvider(context.Background(), service.ServiceProviderRegistration{
		Email:    "shop@example.com",
		Password: "secret-pass",
	})

	var svcErr *service.Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, 400, svcErr.Code)
	assert.Equal(t, "Failed to create service provider", svcErr.Message)
	assert.NotContains(t, svcErr.Error(), "connection reset")
}

func TestLogin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	user := e.registerCustomer(t, "login@example.com", "right-pass")

	_, err := e.svc.Login(ctx, "login@example.com", "wrong-pass")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)

	_, err = e.svc.Login(ctx, "nobody@example.com", "right-pass")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)

	res, err := e.svc.Login(ctx, "LOGIN@example.com", "right-pass")
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)
	assert.Empty(t, res.User.PasswordHash)

	claims, err := e.codec.VerifyAccess(res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.Equal(t, models.RoleCustomer, claims.Role)

	claims, err = e.codec.VerifyRefresh(res.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
}

func TestRefreshRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.registerCustomer(t, "rotate@example.com", "pass-word")

	res, err := e.svc.Login(ctx, "rotate@example.com", "pass-word")
	require.NoError(t, err)

	next, err := e.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, res.Tokens.RefreshToken, next.RefreshToken)

	_, err = e.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.ErrorIs(t, err, service.ErrUnauthorized)

	_, err = e.svc.Refresh(ctx, next.AccessToken)
	require.ErrorIs(t, err, service.ErrUnauthorized)

	_, err = e.svc.Refresh(ctx, "not-a-token")
	require.ErrorIs(t, err, service.ErrUnauthorized)

	_, err = e.svc.Refresh(ctx, next.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshRotationRedis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := newEnv(t, nil, redisstore.NewRedisStorage(rdb, "svc"))
	e.registerCustomer(t, "redis@example.com", "pass-word")

	res, err := e.svc.Login(ctx, "redis@example.com", "pass-word")
	require.NoError(t, err)

	_, err = e.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)

	_, err = e.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.ErrorIs(t, err, service.ErrUnauthorized)
}

func TestLogout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.registerCustomer(t, "logout@example.com", "pass-word")

	res, err := e.svc.Login(ctx, "logout@example.com", "pass-word")
	require.NoError(t, err)

	claims, err := e.codec.VerifyAccess(res.Tokens.AccessToken)
	require.NoError(t, err)
	require.NoError(t, e.svc.Logout(ctx, res.Tokens.AccessToken, claims))

	revoked, err := e.blacklist.IsRevoked(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.True(t, revoked)

	// the refresh token survives a single logout
	_, err = e.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)

	require.ErrorIs(t, e.svc.Logout(ctx, res.Tokens.AccessToken, nil), service.ErrUnauthorized)
}

func TestLogoutAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.registerCustomer(t, "all@example.com", "pass-word")

	first, err := e.svc.Login(ctx, "all@example.com", "pass-word")
	require.NoError(t, err)
	second, err := e.svc.Login(ctx, "all@example.com", "pass-word")
	require.NoError(t, err)

	claims, err := e.codec.VerifyAccess(first.Tokens.AccessToken)
	require.NoError(t, err)
	require.NoError(t, e.svc.LogoutAll(ctx, first.Tokens.AccessToken, claims))

	_, err = e.svc.Refresh(ctx, first.Tokens.RefreshToken)
	require.ErrorIs(t, err, service.ErrUnauthorized)
	_, err = e.svc.Refresh(ctx, second.Tokens.RefreshToken)
	require.ErrorIs(t, err, service.ErrUnauthorized)
}

func resetToken(t *testing.T, msg mailer.Message) string {
	t.Helper()
	_, token, ok := strings.Cut(msg.TextBody, resetURLBase)
	require.True(t, ok, "reset link missing from %q", msg.TextBody)
	return strings.TrimSpace(token)
}

func TestForgotPasswordUnknownEmail(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, nil)

	require.NoError(t, e.svc.ForgotPassword(context.Background(), "ghost@example.com"))
	assert.Zero(t, e.outbox.count())
}

func TestResetPassword(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.registerCustomer(t, "reset@example.com", "old-password")

	login, err := e.svc.Login(ctx, "reset@example.com", "old-password")
	require.NoError(t, err)

	require.NoError(t, e.svc.ForgotPassword(ctx, "reset@example.com"))
	first := resetToken(t, e.outbox.last(t))
	require.NoError(t, e.svc.ForgotPassword(ctx, "reset@example.com"))
	second := resetToken(t, e.outbox.last(t))
	require.NotEqual(t, first, second)

	require.NoError(t, e.svc.ResetPassword(ctx, first, "new-password"))

	// every outstanding reset token is gone, not only the one used
	require.ErrorIs(t, e.svc.ResetPassword(ctx, first, "again"), reset.ErrResetTokenNotFound)
	require.ErrorIs(t, e.svc.ResetPassword(ctx, second, "again"), reset.ErrResetTokenNotFound)

	_, err = e.svc.Refresh(ctx, login.Tokens.RefreshToken)
	require.ErrorIs(t, err, service.ErrUnauthorized)

	_, err = e.svc.Login(ctx, "reset@example.com", "old-password")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)
	_, err = e.svc.Login(ctx, "reset@example.com", "new-password")
	require.NoError(t, err)
}

func TestResetPasswordSingleUseUnderConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.registerCustomer(t, "race@example.com", "old-password")

	require.NoError(t, e.svc.ForgotPassword(ctx, "race@example.com"))
	token := resetToken(t, e.outbox.last(t))

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.svc.ResetPassword(ctx, token, "new-password")
			if err == nil {
				successes.Add(1)
				return
			}
			assert.ErrorIs(t, err, reset.ErrResetTokenNotFound)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func TestPasswordTooLong(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	user := e.registerCustomer(t, "long@example.com", "old-password")
	long := strings.Repeat("a", auth.MaxPasswordBytes+1)

	_, err := e.svc.RegisterCustomer(ctx, service.CustomerRegistration{
		Email:    "other@example.com",
		Password: long,
		Profile:  models.CustomerProfile{FullName: "Other"},
	})
	require.ErrorIs(t, err, auth.ErrPasswordTooLong)

	err = e.svc.ChangePassword(ctx, user.ID, "old-password", long)
	require.ErrorIs(t, err, auth.ErrPasswordTooLong)

	require.NoError(t, e.svc.ForgotPassword(ctx, "long@example.com"))
	token := resetToken(t, e.outbox.last(t))
	require.ErrorIs(t, e.svc.ResetPassword(ctx, token, long), auth.ErrPasswordTooLong)

	// a rejected password leaves the token usable
	require.NoError(t, e.svc.ResetPassword(ctx, token, "new-password"))
}

func TestGetUserByIDDeletedUser(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, nil)

	_, err := e.svc.GetUserByID(context.Background(), uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, service.ErrUnauthorized)
}

func TestResetPasswordUnknownToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, nil)

	err := e.svc.ResetPassword(context.Background(), "made-up", "new-password")
	require.ErrorIs(t, err, reset.ErrResetTokenNotFound)
}

func TestVerifyEmail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	user := e.registerCustomer(t, "verify@example.com", "pass-word")

	stored, err := e.store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	code := stored.OTP.Code

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	require.ErrorIs(t, e.svc.VerifyEmail(ctx, "verify@example.com", wrong), otp.ErrInvalidOTP)
	require.ErrorIs(t, e.svc.VerifyEmail(ctx, "ghost@example.com", code), otp.ErrInvalidOTP)

	require.NoError(t, e.svc.VerifyEmail(ctx, "verify@example.com", code))

	stored, err = e.store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, stored.EmailVerified)
	assert.Nil(t, stored.OTP)

	// resend is a no-op for verified accounts
	sent := e.outbox.count()
	require.NoError(t, e.svc.ResendOTP(ctx, "verify@example.com"))
	assert.Equal(t, sent, e.outbox.count())
}

func TestResendOTPCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.registerCustomer(t, "resend@example.com", "pass-word")

	err := e.svc.ResendOTP(ctx, "resend@example.com")
	var rl *otp.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Positive(t, rl.RemainingMinutes)

	require.NoError(t, e.svc.ResendOTP(ctx, "ghost@example.com"))
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	user := e.registerCustomer(t, "change@example.com", "old-password")

	res, err := e.svc.Login(ctx, "change@example.com", "old-password")
	require.NoError(t, err)

	err = e.svc.ChangePassword(ctx, user.ID, "bad-guess", "new-password")
	require.ErrorIs(t, err, service.ErrInvalidCredentials)

	require.NoError(t, e.svc.ChangePassword(ctx, user.ID, "old-password", "new-password"))

	_, err = e.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.ErrorIs(t, err, service.ErrUnauthorized)

	_, err = e.svc.Login(ctx, "change@example.com", "new-password")
	require.NoError(t, err)

	err = e.svc.ChangePassword(ctx, uuid.Must(uuid.NewV4()), "x", "y")
	require.ErrorIs(t, err, service.ErrUnauthorized)
}

func TestListUsersHidesSecrets(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, nil)
	e.registerCustomer(t, "a@example.com", "pass-word")
	e.registerCustomer(t, "b@example.com", "pass-word")

	users, err := e.svc.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, u := range users {
		assert.Empty(t, u.PasswordHash)
		assert.Nil(t, u.OTP)
	}
}
