package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketplace_auth/internal/auth"
	"marketplace_auth/internal/mailer"
	"marketplace_auth/internal/models"
	"marketplace_auth/internal/otp"
	"marketplace_auth/internal/reset"
	"marketplace_auth/internal/session"
	"marketplace_auth/internal/storage"

	"github.com/gofrs/uuid"
)

var (
	ErrEmailExists        = errors.New("email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Error is a user facing failure with an HTTP style code. Internal detail is
// logged, never carried in Message.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

type Service interface {
	RegisterCustomer(ctx context.Context, req CustomerRegistration) (models.User, error)
	RegisterServiceProvider(ctx context.Context, req ServiceProviderRegistration) (models.User, error)
	Login(ctx context.Context, email, password string) (LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error)
	Logout(ctx context.Context, accessToken string, claims *auth.Claims) error
	LogoutAll(ctx context.Context, accessToken string, claims *auth.Claims) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	VerifyEmail(ctx context.Context, email, code string) error
	ResendOTP(ctx context.Context, email string) error
	ChangePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string) error
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

type CustomerRegistration struct {
	Email    string
	Password string
	Profile  models.CustomerProfile
}

type ServiceProviderRegistration struct {
	Email    string
	Password string
	Profile  models.ServiceProviderProfile
}

type LoginResult struct {
	Tokens auth.TokenPair `json:"tokens"`
	User   models.User    `json:"user"`
}

type Deps struct {
	Users     storage.UserStorage
	Verifier  *auth.Verifier
	Codec     *auth.Codec
	Refresh   *session.RefreshStore
	Blacklist *session.Blacklist
	OTP       *otp.Manager
	Reset     *reset.Manager
	Mailer    mailer.Sender
}

type Config struct {
	BcryptCost int
	// ResetURLBase is prefixed to the reset token to build the emailed link.
	ResetURLBase string
}

type AuthService struct {
	log       *slog.Logger
	users     storage.UserStorage
	verifier  *auth.Verifier
	codec     *auth.Codec
	refresh   *session.RefreshStore
	blacklist *session.Blacklist
	otp       *otp.Manager
	reset     *reset.Manager
	mailer    mailer.Sender
	cfg       Config
	now       func() time.Time
}

var _ Service = (*AuthService)(nil)

func NewService(log *slog.Logger, deps Deps, cfg Config) *AuthService {
	return &AuthService{
		log:       log,
		users:     deps.Users,
		verifier:  deps.Verifier,
		codec:     deps.Codec,
		refresh:   deps.Refresh,
		blacklist: deps.Blacklist,
		otp:       deps.OTP,
		reset:     deps.Reset,
		mailer:    deps.Mailer,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *AuthService) RegisterCustomer(ctx context.Context, req CustomerRegistration) (models.User, error) {
	profile := req.Profile
	return s.register(ctx, models.RoleCustomer, req.Email, req.Password, models.Profile{Customer: &profile})
}

func (s *AuthService) RegisterServiceProvider(ctx context.Context, req ServiceProviderRegistration) (models.User, error) {
	profile := req.Profile
	return s.register(ctx, models.RoleServiceProvider, req.Email, req.Password, models.Profile{ServiceProvider: &profile})
}

func (s *AuthService) register(ctx context.Context, role models.Role, email, password string, profile models.Profile) (models.User, error) {
	const op = "service.register"

	log := s.log.With(slog.String("op", op), slog.String("role", string(role)))
	failed := &Error{Code: 400, Message: "Failed to create " + role.String()}

	email = storage.NormalizeEmail(email)

	_, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return models.User{}, ErrEmailExists
	case !errors.Is(err, storage.ErrNotFound):
		log.Error("failed to look up email", slog.Any("error", err))
		return models.User{}, failed
	}

	passwordHash, err := auth.HashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return models.User{}, err
		}
		log.Error("failed to hash password", slog.Any("error", err))
		return models.User{}, failed
	}

	id, err := uuid.NewV4()
	if err != nil {
		log.Error("failed to generate user id", slog.Any("error", err))
		return models.User{}, failed
	}

	now := s.now().UTC()
	user := models.User{
		ID:           id,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Profile:      profile,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrEmailExists) {
			return models.User{}, ErrEmailExists
		}
		log.Error("failed to create user", slog.Any("error", err))
		return models.User{}, failed
	}

	log.Info("user registered", slog.Any("user_id", user.ID))

	// the account exists at this point, delivery problems are recoverable via resend
	if err := s.sendVerification(ctx, user); err != nil {
		log.Error("failed to send verification code", slog.Any("user_id", user.ID), slog.Any("error", err))
	}

	return user.Public(), nil
}

func (s *AuthService) sendVerification(ctx context.Context, user models.User) error {
	code, err := s.otp.Issue(ctx, user.ID)
	if err != nil {
		return err
	}
	return s.mailer.Send(ctx, mailer.VerificationOTP(user.Email, code, s.otp.TTL()))
}

func (s *AuthService) Login(ctx context.Context, email, password string) (LoginResult, error) {
	const op = "service.Login"

	user, ok, err := s.verifier.Verify(ctx, storage.NormalizeEmail(email), password)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return LoginResult{}, ErrInvalidCredentials
	}

	pair, err := s.issueSession(ctx, user)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%s: %w", op, err)
	}

	return LoginResult{Tokens: pair, User: user.Public()}, nil
}

func (s *AuthService) issueSession(ctx context.Context, user models.User) (auth.TokenPair, error) {
	pair, err := s.codec.IssuePair(user)
	if err != nil {
		return auth.TokenPair{}, err
	}

	if err := s.refresh.Store(ctx, user.ID, pair.RefreshToken); err != nil {
		return auth.TokenPair{}, err
	}

	return pair, nil
}

// Refresh rotates a refresh token. Every failure is reported as ErrUnauthorized.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	const op = "service.Refresh"

	log := s.log.With(slog.String("op", op))

	claims, err := s.codec.VerifyRefresh(refreshToken)
	if err != nil {
		log.Debug("refresh token rejected", slog.Any("error", err))
		return auth.TokenPair{}, ErrUnauthorized
	}

	userID, err := uuid.FromString(claims.Subject)
	if err != nil {
		return auth.TokenPair{}, ErrUnauthorized
	}

	if err := s.refresh.ValidateAndConsume(ctx, userID, refreshToken); err != nil {
		if !errors.Is(err, session.ErrUnauthorized) {
			log.Error("failed to consume refresh token", slog.Any("error", err))
		}
		return auth.TokenPair{}, ErrUnauthorized
	}

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		log.Error("failed to load user", slog.Any("user_id", userID), slog.Any("error", err))
		return auth.TokenPair{}, ErrUnauthorized
	}

	pair, err := s.issueSession(ctx, user)
	if err != nil {
		log.Error("failed to issue tokens", slog.Any("user_id", userID), slog.Any("error", err))
		return auth.TokenPair{}, ErrUnauthorized
	}

	return pair, nil
}

// Logout revokes the presented access token until its own expiry.
func (s *AuthService) Logout(ctx context.Context, accessToken string, claims *auth.Claims) error {
	const op = "service.Logout"

	if claims == nil || claims.ExpiresAt == nil {
		return ErrUnauthorized
	}

	if err := s.blacklist.Revoke(ctx, accessToken, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *AuthService) LogoutAll(ctx context.Context, accessToken string, claims *auth.Claims) error {
	const op = "service.LogoutAll"

	if err := s.Logout(ctx, accessToken, claims); err != nil {
		return err
	}

	userID, err := uuid.FromString(claims.Subject)
	if err != nil {
		return ErrUnauthorized
	}

	if err := s.refresh.InvalidateAll(ctx, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ForgotPassword mails a reset link. Unknown emails are ignored so the
// response does not reveal which accounts exist.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	const op = "service.ForgotPassword"

	user, err := s.users.GetUserByEmail(ctx, storage.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	token, err := s.reset.CreateToken(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	link := s.cfg.ResetURLBase + token
	if err := s.mailer.Send(ctx, mailer.PasswordReset(user.Email, link, s.reset.TTL())); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ResetPassword sets a new password and revokes every outstanding reset token
// and refresh token of the user.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	const op = "service.ResetPassword"

	record, err := s.reset.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, reset.ErrResetTokenNotFound) || errors.Is(err, reset.ErrResetTokenExpired) {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	passwordHash, err := auth.HashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return hashError(op, err)
	}

	// only the request that deletes the token may change the password
	if err := s.reset.ConsumeToken(ctx, record.ID); err != nil {
		if errors.Is(err, reset.ErrResetTokenNotFound) {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.users.UpdatePasswordHash(ctx, record.UserID, passwordHash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.reset.ClearAllForUser(ctx, record.UserID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.refresh.InvalidateAll(ctx, record.UserID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("password reset", slog.String("op", op), slog.Any("user_id", record.UserID))

	return nil
}

func (s *AuthService) VerifyEmail(ctx context.Context, email, code string) error {
	const op = "service.VerifyEmail"

	user, err := s.users.GetUserByEmail(ctx, storage.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return otp.ErrInvalidOTP
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if user.EmailVerified {
		return nil
	}

	if err := s.otp.Validate(ctx, user.ID, code); err != nil {
		return err
	}

	if err := s.users.MarkEmailVerified(ctx, user.ID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *AuthService) ResendOTP(ctx context.Context, email string) error {
	const op = "service.ResendOTP"

	user, err := s.users.GetUserByEmail(ctx, storage.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if user.EmailVerified {
		return nil
	}

	if err := s.sendVerification(ctx, user); err != nil {
		var rl *otp.RateLimitedError
		if errors.As(err, &rl) {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *AuthService) ChangePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string) error {
	const op = "service.ChangePassword"

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnauthorized
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if !auth.CheckPasswordHash(user.PasswordHash, currentPassword) {
		return ErrInvalidCredentials
	}

	passwordHash, err := auth.HashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return hashError(op, err)
	}

	if err := s.users.UpdatePasswordHash(ctx, userID, passwordHash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.refresh.InvalidateAll(ctx, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *AuthService) GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	const op = "service.GetUserByID"

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.User{}, ErrUnauthorized
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user.Public(), nil
}

func hashError(op string, err error) error {
	if errors.Is(err, auth.ErrPasswordTooLong) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *AuthService) ListUsers(ctx context.Context) ([]models.User, error) {
	const op = "service.ListUsers"

	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for i := range users {
		users[i] = users[i].Public()
	}

	return users, nil
}
