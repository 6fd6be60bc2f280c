// Package otp issues and validates the six digit email verification code
// stored on a user record.
//
// Per user the code moves through issued → (validated | expired | locked).
// A code may not be re-issued within the cooldown after the previous issue
// while it is still live, and five wrong submissions clear it.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"marketplace_auth/internal/models"
	"marketplace_auth/internal/storage"

	"github.com/gofrs/uuid"
)

const (
	DefaultTTL         = 15 * time.Minute
	DefaultCooldown    = 2 * time.Minute
	DefaultMaxAttempts = 5

	minCode = 100000
	maxCode = 999999
)

var (
	ErrInvalidOTP      = errors.New("invalid otp")
	ErrOTPExpired      = errors.New("otp expired")
	ErrTooManyAttempts = errors.New("too many otp attempts")
)

// RateLimitedError is returned by Issue while the cooldown is running.
type RateLimitedError struct {
	RemainingMinutes int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("otp recently issued, retry in %d minute(s)", e.RemainingMinutes)
}

type Store interface {
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	SetOTP(ctx context.Context, userID uuid.UUID, otp models.OTP) error
	IncrementOTPAttempts(ctx context.Context, userID uuid.UUID) (int, error)
	ClearOTP(ctx context.Context, userID uuid.UUID) error
}

type Config struct {
	TTL         time.Duration
	Cooldown    time.Duration
	MaxAttempts int
}

type Manager struct {
	store       Store
	ttl         time.Duration
	cooldown    time.Duration
	maxAttempts int
	now         func() time.Time
	generate    func() (string, error)
}

func NewManager(store Store, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	return &Manager{
		store:       store,
		ttl:         cfg.TTL,
		cooldown:    cfg.Cooldown,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
		generate:    Generate,
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) WithGenerator(gen func() (string, error)) *Manager {
	m.generate = gen
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Generate returns a uniformly random code in [100000, 999999].
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxCode-minCode+1))
	if err != nil {
		return "", fmt.Errorf("otp.Generate: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+minCode), nil
}

// Issue stores a fresh code for the user and returns it.
func (m *Manager) Issue(ctx context.Context, userID uuid.UUID) (string, error) {
	const op = "otp.Issue"

	user, err := m.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	now := m.now()
	if user.OTP.Live(now) {
		cooldownEnd := user.OTP.IssuedAt.Add(m.cooldown)
		if now.Before(cooldownEnd) {
			remaining := int(math.Ceil(cooldownEnd.Sub(now).Minutes()))
			return "", &RateLimitedError{RemainingMinutes: max(remaining, 1)}
		}
	}

	code, err := m.generate()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	otp := models.OTP{
		Code:      code,
		IssuedAt:  now.UTC(),
		ExpiresAt: now.Add(m.ttl).UTC(),
	}
	if err := m.store.SetOTP(ctx, userID, otp); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return code, nil
}

// Validate reports whether candidate is the user's live code. It does not mark
// the email verified or clear the code on success.
func (m *Manager) Validate(ctx context.Context, userID uuid.UUID, candidate string) error {
	const op = "otp.Validate"

	user, err := m.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidOTP
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if user.OTP == nil || user.OTP.Code == "" {
		return ErrInvalidOTP
	}

	if subtle.ConstantTimeCompare([]byte(user.OTP.Code), []byte(candidate)) != 1 {
		attempts, err := m.store.IncrementOTPAttempts(ctx, userID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if attempts >= m.maxAttempts {
			if err := m.store.ClearOTP(ctx, userID); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			return ErrTooManyAttempts
		}
		return ErrInvalidOTP
	}

	if !m.now().Before(user.OTP.ExpiresAt) {
		if err := m.store.ClearOTP(ctx, userID); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return ErrOTPExpired
	}

	return nil
}
