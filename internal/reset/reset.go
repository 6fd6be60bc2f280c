package reset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace_auth/internal/auth"
	"marketplace_auth/internal/models"
	"marketplace_auth/internal/storage"

	"github.com/gofrs/uuid"
)

const (
	DefaultTTL = time.Hour

	tokenBytes = 32
)

var (
	ErrResetTokenNotFound = errors.New("reset token not found")
	ErrResetTokenExpired  = errors.New("reset token expired")
)

// Manager owns the password reset token lifecycle. Tokens are single use and
// stored only as digests.
type Manager struct {
	storage storage.PasswordResetStorage
	ttl     time.Duration
	now     func() time.Time
}

func NewManager(st storage.PasswordResetStorage, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		storage: st,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

func (m *Manager) CreateToken(ctx context.Context, userID uuid.UUID) (string, error) {
	const op = "reset.CreateToken"

	token, err := auth.RandomToken(tokenBytes)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	now := m.now().UTC()
	record := models.PasswordResetToken{
		ID:        id,
		UserID:    userID,
		TokenHash: storage.HashToken(token),
		ExpiresAt: now.Add(m.ttl),
		CreatedAt: now,
	}
	if err := m.storage.CreatePasswordResetToken(ctx, record); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

// FindByToken returns the stored record. Expired records are deleted and
// reported as ErrResetTokenExpired.
func (m *Manager) FindByToken(ctx context.Context, token string) (models.PasswordResetToken, error) {
	const op = "reset.FindByToken"

	record, err := m.storage.GetPasswordResetToken(ctx, storage.HashToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.PasswordResetToken{}, ErrResetTokenNotFound
		}
		return models.PasswordResetToken{}, fmt.Errorf("%s: %w", op, err)
	}

	if record.Expired(m.now()) {
		err := m.storage.DeletePasswordResetToken(ctx, record.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return models.PasswordResetToken{}, fmt.Errorf("%s: %w", op, err)
		}
		return models.PasswordResetToken{}, ErrResetTokenExpired
	}

	return record, nil
}

// ConsumeToken deletes the record. Only one caller can consume a given
// token; the rest get ErrResetTokenNotFound.
func (m *Manager) ConsumeToken(ctx context.Context, tokenID uuid.UUID) error {
	if err := m.storage.DeletePasswordResetToken(ctx, tokenID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrResetTokenNotFound
		}
		return fmt.Errorf("reset.ConsumeToken: %w", err)
	}
	return nil
}

func (m *Manager) ClearAllForUser(ctx context.Context, userID uuid.UUID) error {
	if _, err := m.storage.DeleteUserPasswordResetTokens(ctx, userID); err != nil {
		return fmt.Errorf("reset.ClearAllForUser: %w", err)
	}
	return nil
}

func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.storage.DeleteExpiredPasswordResetTokens(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("reset.Sweep: %w", err)
	}
	return n, nil
}
