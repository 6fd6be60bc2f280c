package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketplace_auth/internal/models"
	"marketplace_auth/internal/storage"
	"marketplace_auth/internal/storage/postgres/migrations"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	usersTable         = "users"
	refreshTokensTable = "refresh_tokens"
	blacklistTable     = "token_blacklist"
	resetTokensTable   = "password_reset_tokens"

	uniqueViolation = "23505"
)

const userColumns = `id, email, password_hash, user_role, email_verified, profile,
	otp, otp_issued_at, otp_expires_at, otp_attempts, created_at, updated_at`

var _ storage.Storage = (*PostgresStorage)(nil)

type PostgresStorage struct {
	db *pgxpool.Pool
}

func NewPostgresStorage(ctx context.Context, dbURL string) (*PostgresStorage, error) {
	const op = "postgres.NewPostgresStorage"

	conn, err := pgxpool.Connect(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &PostgresStorage{
		db: conn,
	}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(dbURL string) error {
	const op = "postgres.Migrate"

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) CreateUser(ctx context.Context, user models.User) error {
	const op = "postgres.CreateUser"

	profile, err := json.Marshal(user.Profile)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s(id, email, password_hash, user_role, email_verified, profile, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, usersTable)

	_, err = p.db.Exec(ctx, query,
		user.ID,
		storage.NormalizeEmail(user.Email),
		user.PasswordHash,
		string(user.Role),
		user.EmailVerified,
		string(profile),
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w", op, storage.ErrEmailExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	const op = "postgres.GetUserByID"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id=$1", userColumns, usersTable)

	user, err := scanUser(p.db.QueryRow(ctx, query, userID))
	if err != nil {
		return user, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (p *PostgresStorage) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "postgres.GetUserByEmail"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE email=$1", userColumns, usersTable)

	user, err := scanUser(p.db.QueryRow(ctx, query, storage.NormalizeEmail(email)))
	if err != nil {
		return user, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (p *PostgresStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	const op = "postgres.ListUsers"

	users := make([]models.User, 0)
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at", userColumns, usersTable)

	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return users, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return users, fmt.Errorf("%s: %w", op, err)
		}

		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s (rows): %w", op, err)
	}

	return users, nil
}

func (p *PostgresStorage) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, passwordHash string) error {
	const op = "postgres.UpdatePasswordHash"

	query := fmt.Sprintf("UPDATE %s SET password_hash=$1, updated_at=now() WHERE id=$2", usersTable)

	return p.execOne(ctx, op, query, passwordHash, userID)
}

func (p *PostgresStorage) SetOTP(ctx context.Context, userID uuid.UUID, otp models.OTP) error {
	const op = "postgres.SetOTP"

	query := fmt.Sprintf(`UPDATE %s
	SET otp=$1, otp_issued_at=$2, otp_expires_at=$3, otp_attempts=0, updated_at=now()
	WHERE id=$4`, usersTable)

	return p.execOne(ctx, op, query, otp.Code, otp.IssuedAt, otp.ExpiresAt, userID)
}

func (p *PostgresStorage) IncrementOTPAttempts(ctx context.Context, userID uuid.UUID) (int, error) {
	const op = "postgres.IncrementOTPAttempts"

	var attempts int
	query := fmt.Sprintf(`UPDATE %s SET otp_attempts = otp_attempts + 1, updated_at=now()
	WHERE id=$1 RETURNING otp_attempts`, usersTable)

	if err := p.db.QueryRow(ctx, query, userID).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("%s: %w", op, mapNoRows(err))
	}

	return attempts, nil
}

func (p *PostgresStorage) ClearOTP(ctx context.Context, userID uuid.UUID) error {
	const op = "postgres.ClearOTP"

	query := fmt.Sprintf(`UPDATE %s
	SET otp=NULL, otp_issued_at=NULL, otp_expires_at=NULL, otp_attempts=0, updated_at=now()
	WHERE id=$1`, usersTable)

	return p.execOne(ctx, op, query, userID)
}

func (p *PostgresStorage) MarkEmailVerified(ctx context.Context, userID uuid.UUID) error {
	const op = "postgres.MarkEmailVerified"

	query := fmt.Sprintf(`UPDATE %s
	SET email_verified=TRUE, otp=NULL, otp_issued_at=NULL, otp_expires_at=NULL, otp_attempts=0, updated_at=now()
	WHERE id=$1`, usersTable)

	return p.execOne(ctx, op, query, userID)
}

func (p *PostgresStorage) CreateRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "postgres.CreateRefreshToken"

	query := fmt.Sprintf(`INSERT INTO %s(id, user_id, token_hash, expires_at, created_at)
	VALUES ($1, $2, $3, $4, $5)`, refreshTokensTable)

	_, err := p.db.Exec(ctx, query, token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) ConsumeRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, now time.Time) (models.RefreshToken, error) {
	const op = "postgres.ConsumeRefreshToken"

	var token models.RefreshToken
	query := fmt.Sprintf(`DELETE FROM %s
	WHERE user_id=$1 AND token_hash=$2 AND expires_at > $3
	RETURNING id, user_id, token_hash, expires_at, created_at`, refreshTokensTable)

	err := p.db.QueryRow(ctx, query, userID, tokenHash, now).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.CreatedAt,
	)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, mapNoRows(err))
	}

	return token, nil
}

func (p *PostgresStorage) DeleteUserRefreshTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	const op = "postgres.DeleteUserRefreshTokens"

	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", refreshTokensTable)

	return p.execCount(ctx, op, query, userID)
}

func (p *PostgresStorage) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	const op = "postgres.DeleteExpiredRefreshTokens"

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= $1", refreshTokensTable)

	return p.execCount(ctx, op, query, now)
}

func (p *PostgresStorage) AddBlacklistEntry(ctx context.Context, entry models.BlacklistEntry) error {
	const op = "postgres.AddBlacklistEntry"

	query := fmt.Sprintf(`INSERT INTO %s(token_hash, expires_at, created_at) VALUES ($1, $2, $3)
	ON CONFLICT (token_hash) DO NOTHING`, blacklistTable)

	if _, err := p.db.Exec(ctx, query, entry.TokenHash, entry.ExpiresAt, entry.CreatedAt); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) IsBlacklisted(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	const op = "postgres.IsBlacklisted"

	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE token_hash=$1 AND expires_at > $2)", blacklistTable)

	if err := p.db.QueryRow(ctx, query, tokenHash, now).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return exists, nil
}

func (p *PostgresStorage) DeleteExpiredBlacklistEntries(ctx context.Context, now time.Time) (int64, error) {
	const op = "postgres.DeleteExpiredBlacklistEntries"

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= $1", blacklistTable)

	return p.execCount(ctx, op, query, now)
}

func (p *PostgresStorage) CreatePasswordResetToken(ctx context.Context, token models.PasswordResetToken) error {
	const op = "postgres.CreatePasswordResetToken"

	query := fmt.Sprintf(`INSERT INTO %s(id, user_id, token_hash, expires_at, created_at)
	VALUES ($1, $2, $3, $4, $5)`, resetTokensTable)

	if _, err := p.db.Exec(ctx, query, token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) GetPasswordResetToken(ctx context.Context, tokenHash string) (models.PasswordResetToken, error) {
	const op = "postgres.GetPasswordResetToken"

	var token models.PasswordResetToken
	query := fmt.Sprintf("SELECT id, user_id, token_hash, expires_at, created_at FROM %s WHERE token_hash=$1", resetTokensTable)

	err := p.db.QueryRow(ctx, query, tokenHash).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.CreatedAt,
	)
	if err != nil {
		return models.PasswordResetToken{}, fmt.Errorf("%s: %w", op, mapNoRows(err))
	}

	return token, nil
}

func (p *PostgresStorage) DeletePasswordResetToken(ctx context.Context, tokenID uuid.UUID) error {
	const op = "postgres.DeletePasswordResetToken"

	query := fmt.Sprintf("DELETE FROM %s WHERE id=$1", resetTokensTable)

	return p.execOne(ctx, op, query, tokenID)
}

func (p *PostgresStorage) DeleteUserPasswordResetTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	const op = "postgres.DeleteUserPasswordResetTokens"

	query := fmt.Sprintf("DELETE FROM %s WHERE user_id=$1", resetTokensTable)

	return p.execCount(ctx, op, query, userID)
}

func (p *PostgresStorage) DeleteExpiredPasswordResetTokens(ctx context.Context, now time.Time) (int64, error) {
	const op = "postgres.DeleteExpiredPasswordResetTokens"

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= $1", resetTokensTable)

	return p.execCount(ctx, op, query, now)
}

func (p *PostgresStorage) Close() {
	p.db.Close()
}

func (p *PostgresStorage) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

func (p *PostgresStorage) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return tag.RowsAffected(), nil
}

func scanUser(row pgx.Row) (models.User, error) {
	var (
		user         models.User
		role         string
		profile      []byte
		otpCode      *string
		otpIssuedAt  *time.Time
		otpExpiresAt *time.Time
		otpAttempts  int
	)

	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&role,
		&user.EmailVerified,
		&profile,
		&otpCode,
		&otpIssuedAt,
		&otpExpiresAt,
		&otpAttempts,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return models.User{}, mapNoRows(err)
	}

	user.Role = models.Role(role)
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &user.Profile); err != nil {
			return models.User{}, err
		}
	}

	if otpCode != nil || otpAttempts > 0 {
		user.OTP = &models.OTP{Attempts: otpAttempts}
		if otpCode != nil {
			user.OTP.Code = *otpCode
		}
		if otpIssuedAt != nil {
			user.OTP.IssuedAt = *otpIssuedAt
		}
		if otpExpiresAt != nil {
			user.OTP.ExpiresAt = *otpExpiresAt
		}
	}

	return user, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
