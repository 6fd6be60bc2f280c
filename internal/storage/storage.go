package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"marketplace_auth/internal/models"

	"github.com/gofrs/uuid"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrEmailExists = errors.New("email already exists")
)

type UserStorage interface {
	// Пользователи
	CreateUser(ctx context.Context, user models.User) error
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	UpdatePasswordHash(ctx context.Context, userID uuid.UUID, passwordHash string) error

	// OTP и подтверждение email
	SetOTP(ctx context.Context, userID uuid.UUID, otp models.OTP) error
	IncrementOTPAttempts(ctx context.Context, userID uuid.UUID) (int, error)
	ClearOTP(ctx context.Context, userID uuid.UUID) error
	MarkEmailVerified(ctx context.Context, userID uuid.UUID) error
}

type RefreshTokenStorage interface {
	CreateRefreshToken(ctx context.Context, token models.RefreshToken) error
	// ConsumeRefreshToken deletes the live record matching userID and tokenHash
	// in one conditional operation and returns it. ErrNotFound when nothing matched.
	ConsumeRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, now time.Time) (models.RefreshToken, error)
	DeleteUserRefreshTokens(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

type BlacklistStorage interface {
	AddBlacklistEntry(ctx context.Context, entry models.BlacklistEntry) error
	IsBlacklisted(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	DeleteExpiredBlacklistEntries(ctx context.Context, now time.Time) (int64, error)
}

type PasswordResetStorage interface {
	CreatePasswordResetToken(ctx context.Context, token models.PasswordResetToken) error
	GetPasswordResetToken(ctx context.Context, tokenHash string) (models.PasswordResetToken, error)
	// DeletePasswordResetToken returns ErrNotFound when no record was removed.
	DeletePasswordResetToken(ctx context.Context, tokenID uuid.UUID) error
	DeleteUserPasswordResetTokens(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteExpiredPasswordResetTokens(ctx context.Context, now time.Time) (int64, error)
}

type Storage interface {
	UserStorage
	RefreshTokenStorage
	BlacklistStorage
	PasswordResetStorage

	Close()
}

// HashToken is the digest under which opaque and bearer tokens are persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
