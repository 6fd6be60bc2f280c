// Package memory is an in-process implementation of storage.Storage for tests
// and single-instance local runs. State is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketplace_auth/internal/models"
	"marketplace_auth/internal/storage"

	"github.com/gofrs/uuid"
)

var _ storage.Storage = (*MemoryStorage)(nil)

type MemoryStorage struct {
	mu sync.Mutex

	users         map[uuid.UUID]models.User
	emails        map[string]uuid.UUID
	refreshTokens map[string]models.RefreshToken
	blacklist     map[string]models.BlacklistEntry
	resetTokens   map[string]models.PasswordResetToken
}

func New() *MemoryStorage {
	return &MemoryStorage{
		users:         make(map[uuid.UUID]models.User),
		emails:        make(map[string]uuid.UUID),
		refreshTokens: make(map[string]models.RefreshToken),
		blacklist:     make(map[string]models.BlacklistEntry),
		resetTokens:   make(map[string]models.PasswordResetToken),
	}
}

func (m *MemoryStorage) CreateUser(_ context.Context, user models.User) error {
	const op = "memory.CreateUser"

	m.mu.Lock()
	defer m.mu.Unlock()

	email := storage.NormalizeEmail(user.Email)
	if _, ok := m.emails[email]; ok {
		return fmt.Errorf("%s: %w", op, storage.ErrEmailExists)
	}

	user.Email = email
	m.users[user.ID] = cloneUser(user)
	m.emails[email] = user.ID

	return nil
}

func (m *MemoryStorage) GetUserByID(_ context.Context, userID uuid.UUID) (models.User, error) {
	const op = "memory.GetUserByID"

	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return cloneUser(user), nil
}

func (m *MemoryStorage) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	const op = "memory.GetUserByEmail"

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.emails[storage.NormalizeEmail(email)]
	if !ok {
		return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return cloneUser(m.users[id]), nil
}

func (m *MemoryStorage) ListUsers(_ context.Context) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, cloneUser(u))
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})

	return users, nil
}

func (m *MemoryStorage) UpdatePasswordHash(_ context.Context, userID uuid.UUID, passwordHash string) error {
	return m.updateUser("memory.UpdatePasswordHash", userID, func(u *models.User) {
		u.PasswordHash = passwordHash
	})
}

func (m *MemoryStorage) SetOTP(_ context.Context, userID uuid.UUID, otp models.OTP) error {
	return m.updateUser("memory.SetOTP", userID, func(u *models.User) {
		otp.Attempts = 0
		u.OTP = &otp
	})
}

func (m *MemoryStorage) IncrementOTPAttempts(_ context.Context, userID uuid.UUID) (int, error) {
	var attempts int
	err := m.updateUser("memory.IncrementOTPAttempts", userID, func(u *models.User) {
		if u.OTP == nil {
			u.OTP = &models.OTP{}
		}
		u.OTP.Attempts++
		attempts = u.OTP.Attempts
	})

	return attempts, err
}

func (m *MemoryStorage) ClearOTP(_ context.Context, userID uuid.UUID) error {
	return m.updateUser("memory.ClearOTP", userID, func(u *models.User) {
		u.OTP = nil
	})
}

func (m *MemoryStorage) MarkEmailVerified(_ context.Context, userID uuid.UUID) error {
	return m.updateUser("memory.MarkEmailVerified", userID, func(u *models.User) {
		u.EmailVerified = true
		u.OTP = nil
	})
}

func (m *MemoryStorage) updateUser(op string, userID uuid.UUID, fn func(u *models.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	user = cloneUser(user)
	fn(&user)
	user.UpdatedAt = time.Now().UTC()
	m.users[userID] = user

	return nil
}

func (m *MemoryStorage) CreateRefreshToken(_ context.Context, token models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshTokens[token.TokenHash] = token

	return nil
}

func (m *MemoryStorage) ConsumeRefreshToken(_ context.Context, userID uuid.UUID, tokenHash string, now time.Time) (models.RefreshToken, error) {
	const op = "memory.ConsumeRefreshToken"

	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.refreshTokens[tokenHash]
	if !ok || token.UserID != userID || !now.Before(token.ExpiresAt) {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	delete(m.refreshTokens, tokenHash)

	return token, nil
}

func (m *MemoryStorage) DeleteUserRefreshTokens(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for hash, token := range m.refreshTokens {
		if token.UserID == userID {
			delete(m.refreshTokens, hash)
			n++
		}
	}

	return n, nil
}

func (m *MemoryStorage) DeleteExpiredRefreshTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for hash, token := range m.refreshTokens {
		if !now.Before(token.ExpiresAt) {
			delete(m.refreshTokens, hash)
			n++
		}
	}

	return n, nil
}

func (m *MemoryStorage) AddBlacklistEntry(_ context.Context, entry models.BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blacklist[entry.TokenHash] = entry

	return nil
}

func (m *MemoryStorage) IsBlacklisted(_ context.Context, tokenHash string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.blacklist[tokenHash]

	return ok && now.Before(entry.ExpiresAt), nil
}

func (m *MemoryStorage) DeleteExpiredBlacklistEntries(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for hash, entry := range m.blacklist {
		if !now.Before(entry.ExpiresAt) {
			delete(m.blacklist, hash)
			n++
		}
	}

	return n, nil
}

func (m *MemoryStorage) CreatePasswordResetToken(_ context.Context, token models.PasswordResetToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetTokens[token.TokenHash] = token

	return nil
}

func (m *MemoryStorage) GetPasswordResetToken(_ context.Context, tokenHash string) (models.PasswordResetToken, error) {
	const op = "memory.GetPasswordResetToken"

	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.resetTokens[tokenHash]
	if !ok {
		return models.PasswordResetToken{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return token, nil
}

func (m *MemoryStorage) DeletePasswordResetToken(_ context.Context, tokenID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for hash, token := range m.resetTokens {
		if token.ID == tokenID {
			delete(m.resetTokens, hash)
			return nil
		}
	}

	return fmt.Errorf("memory.DeletePasswordResetToken: %w", storage.ErrNotFound)
}

func (m *MemoryStorage) DeleteUserPasswordResetTokens(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for hash, token := range m.resetTokens {
		if token.UserID == userID {
			delete(m.resetTokens, hash)
			n++
		}
	}

	return n, nil
}

func (m *MemoryStorage) DeleteExpiredPasswordResetTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for hash, token := range m.resetTokens {
		if token.Expired(now) {
			delete(m.resetTokens, hash)
			n++
		}
	}

	return n, nil
}

func (m *MemoryStorage) Close() {}

func cloneUser(u models.User) models.User {
	if u.OTP != nil {
		otp := *u.OTP
		u.OTP = &otp
	}
	return u
}
