package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace_auth/internal/models"
	"marketplace_auth/internal/storage"

	"github.com/gofrs/uuid"
)

const DefaultRefreshTTL = 7 * 24 * time.Hour

var ErrUnauthorized = errors.New("unauthorized")

// RefreshStore persists one record per issued refresh token and enforces
// single use: a token is deleted at the moment it is validated.
type RefreshStore struct {
	storage storage.RefreshTokenStorage
	ttl     time.Duration
	now     func() time.Time
}

func NewRefreshStore(st storage.RefreshTokenStorage, ttl time.Duration) *RefreshStore {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	return &RefreshStore{
		storage: st,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *RefreshStore) WithClock(now func() time.Time) *RefreshStore {
	s.now = now
	return s
}

func (s *RefreshStore) Store(ctx context.Context, userID uuid.UUID, token string) error {
	const op = "session.Store"

	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	now := s.now().UTC()
	record := models.RefreshToken{
		ID:        id,
		UserID:    userID,
		TokenHash: storage.HashToken(token),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}

	if err := s.storage.CreateRefreshToken(ctx, record); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ValidateAndConsume succeeds at most once per stored token. A wrong, expired
// or already used token yields ErrUnauthorized.
func (s *RefreshStore) ValidateAndConsume(ctx context.Context, userID uuid.UUID, token string) error {
	const op = "session.ValidateAndConsume"

	_, err := s.storage.ConsumeRefreshToken(ctx, userID, storage.HashToken(token), s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnauthorized
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *RefreshStore) InvalidateAll(ctx context.Context, userID uuid.UUID) error {
	const op = "session.InvalidateAll"

	if _, err := s.storage.DeleteUserRefreshTokens(ctx, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *RefreshStore) Sweep(ctx context.Context) (int64, error) {
	n, err := s.storage.DeleteExpiredRefreshTokens(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("session.RefreshStore.Sweep: %w", err)
	}
	return n, nil
}
