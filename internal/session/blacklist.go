package session

import (
	"context"
	"fmt"
	"time"

	"marketplace_auth/internal/models"
	"marketplace_auth/internal/storage"
)

// Blacklist holds revoked access tokens until their own expiry.
type Blacklist struct {
	storage storage.BlacklistStorage
	now     func() time.Time
}

func NewBlacklist(st storage.BlacklistStorage) *Blacklist {
	return &Blacklist{
		storage: st,
		now:     time.Now,
	}
}

func (b *Blacklist) WithClock(now func() time.Time) *Blacklist {
	b.now = now
	return b
}

// Revoke is a no-op for tokens that are already past expiresAt.
func (b *Blacklist) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	const op = "session.Revoke"

	now := b.now().UTC()
	if !now.Before(expiresAt) {
		return nil
	}

	entry := models.BlacklistEntry{
		TokenHash: storage.HashToken(token),
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now,
	}
	if err := b.storage.AddBlacklistEntry(ctx, entry); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (b *Blacklist) IsRevoked(ctx context.Context, token string) (bool, error) {
	const op = "session.IsRevoked"

	revoked, err := b.storage.IsBlacklisted(ctx, storage.HashToken(token), b.now())
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return revoked, nil
}

func (b *Blacklist) Sweep(ctx context.Context) (int64, error) {
	n, err := b.storage.DeleteExpiredBlacklistEntries(ctx, b.now())
	if err != nil {
		return 0, fmt.Errorf("session.Blacklist.Sweep: %w", err)
	}
	return n, nil
}
