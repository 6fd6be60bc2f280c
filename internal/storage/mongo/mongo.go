package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace_auth/internal/models"
	"marketplace_auth/internal/storage"

	"github.com/gofrs/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	usersColl         = "users"
	refreshTokensColl = "refresh_tokens"
	blacklistColl     = "token_blacklist"
	resetTokensColl   = "password_reset_tokens"

	connectAttempts = 3
	retryInterval   = 2 * time.Second
)

var _ storage.Storage = (*MongoStorage)(nil)

type MongoStorage struct {
	client *mongo.Client
	db     *mongo.Database
}

type userDocument struct {
	ID            string         `bson:"_id"`
	Email         string         `bson:"email"`
	PasswordHash  string         `bson:"password_hash"`
	Role          string         `bson:"role"`
	EmailVerified bool           `bson:"email_verified"`
	Profile       models.Profile `bson:"profile"`
	OTP           *string        `bson:"otp"`
	OTPIssuedAt   *time.Time     `bson:"otp_issued_at"`
	OTPExpiresAt  *time.Time     `bson:"otp_expires_at"`
	OTPAttempts   int            `bson:"otp_attempts"`
	CreatedAt     time.Time      `bson:"created_at"`
	UpdatedAt     time.Time      `bson:"updated_at"`
}

type tokenDocument struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	TokenHash string    `bson:"token_hash"`
	ExpiresAt time.Time `bson:"expires_at"`
	CreatedAt time.Time `bson:"created_at"`
}

type blacklistDocument struct {
	TokenHash string    `bson:"_id"`
	ExpiresAt time.Time `bson:"expires_at"`
	CreatedAt time.Time `bson:"created_at"`
}

// NewMongoStorage connects, pings and ensures indexes. Expiring collections
// carry TTL indexes so the server also garbage-collects them.
func NewMongoStorage(ctx context.Context, uri, database string) (*MongoStorage, error) {
	const op = "mongo.NewMongoStorage"

	var lastErr error
	for i := 0; i < connectAttempts; i++ {
		client, err := mongo.Connect(options.Client().ApplyURI(uri))
		if err == nil {
			if err = client.Ping(ctx, nil); err == nil {
				m := &MongoStorage{client: client, db: client.Database(database)}
				if err := m.ensureIndexes(ctx); err != nil {
					_ = client.Disconnect(ctx)
					return nil, fmt.Errorf("%s: %w", op, err)
				}
				return m, nil
			}
			_ = client.Disconnect(ctx)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(retryInterval):
		}
	}

	return nil, fmt.Errorf("%s: %w", op, lastErr)
}

func (m *MongoStorage) ensureIndexes(ctx context.Context) error {
	ttl := options.Index().SetExpireAfterSeconds(0)

	indexes := map[string][]mongo.IndexModel{
		usersColl: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		refreshTokensColl: {
			{Keys: bson.D{{Key: "token_hash", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: ttl},
		},
		blacklistColl: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: ttl},
		},
		resetTokensColl: {
			{Keys: bson.D{{Key: "token_hash", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: ttl},
		},
	}

	for coll, idx := range indexes {
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll, err)
		}
	}

	return nil
}

func (m *MongoStorage) CreateUser(ctx context.Context, user models.User) error {
	const op = "mongo.CreateUser"

	doc := userDocument{
		ID:            user.ID.String(),
		Email:         storage.NormalizeEmail(user.Email),
		PasswordHash:  user.PasswordHash,
		Role:          string(user.Role),
		EmailVerified: user.EmailVerified,
		Profile:       user.Profile,
		CreatedAt:     user.CreatedAt,
		UpdatedAt:     user.UpdatedAt,
	}

	if _, err := m.db.Collection(usersColl).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrEmailExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (m *MongoStorage) GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	const op = "mongo.GetUserByID"

	user, err := m.findUser(ctx, bson.D{{Key: "_id", Value: userID.String()}})
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (m *MongoStorage) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "mongo.GetUserByEmail"

	user, err := m.findUser(ctx, bson.D{{Key: "email", Value: storage.NormalizeEmail(email)}})
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (m *MongoStorage) findUser(ctx context.Context, filter bson.D) (models.User, error) {
	var doc userDocument
	if err := m.db.Collection(usersColl).FindOne(ctx, filter).Decode(&doc); err != nil {
		return models.User{}, mapNoDocuments(err)
	}

	return doc.toModel()
}

func (m *MongoStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	const op = "mongo.ListUsers"

	cursor, err := m.db.Collection(usersColl).Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var docs []userDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	users := make([]models.User, 0, len(docs))
	for _, doc := range docs {
		user, err := doc.toModel()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		users = append(users, user)
	}

	return users, nil
}

func (m *MongoStorage) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, passwordHash string) error {
	return m.updateUser(ctx, "mongo.UpdatePasswordHash", userID, bson.D{
		{Key: "password_hash", Value: passwordHash},
	})
}

func (m *MongoStorage) SetOTP(ctx context.Context, userID uuid.UUID, otp models.OTP) error {
	return m.updateUser(ctx, "mongo.SetOTP", userID, bson.D{
		{Key: "otp", Value: otp.Code},
		{Key: "otp_issued_at", Value: otp.IssuedAt},
		{Key: "otp_expires_at", Value: otp.ExpiresAt},
		{Key: "otp_attempts", Value: 0},
	})
}

func (m *MongoStorage) IncrementOTPAttempts(ctx context.Context, userID uuid.UUID) (int, error) {
	const op = "mongo.IncrementOTPAttempts"

	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "otp_attempts", Value: 1}}},
		{Key: "$set", Value: bson.D{{Key: "updated_at", Value: time.Now().UTC()}}},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.D{{Key: "otp_attempts", Value: 1}})

	var doc struct {
		Attempts int `bson:"otp_attempts"`
	}
	err := m.db.Collection(usersColl).
		FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: userID.String()}}, update, opts).
		Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, mapNoDocuments(err))
	}

	return doc.Attempts, nil
}

func (m *MongoStorage) ClearOTP(ctx context.Context, userID uuid.UUID) error {
	return m.updateUser(ctx, "mongo.ClearOTP", userID, clearedOTP())
}

func (m *MongoStorage) MarkEmailVerified(ctx context.Context, userID uuid.UUID) error {
	return m.updateUser(ctx, "mongo.MarkEmailVerified", userID,
		append(clearedOTP(), bson.E{Key: "email_verified", Value: true}))
}

func (m *MongoStorage) updateUser(ctx context.Context, op string, userID uuid.UUID, set bson.D) error {
	set = append(set, bson.E{Key: "updated_at", Value: time.Now().UTC()})

	res, err := m.db.Collection(usersColl).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID.String()}},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

func (m *MongoStorage) CreateRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "mongo.CreateRefreshToken"

	doc := tokenDocument{
		ID:        token.ID.String(),
		UserID:    token.UserID.String(),
		TokenHash: token.TokenHash,
		ExpiresAt: token.ExpiresAt,
		CreatedAt: token.CreatedAt,
	}
	if _, err := m.db.Collection(refreshTokensColl).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (m *MongoStorage) ConsumeRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, now time.Time) (models.RefreshToken, error) {
	const op = "mongo.ConsumeRefreshToken"

	filter := bson.D{
		{Key: "user_id", Value: userID.String()},
		{Key: "token_hash", Value: tokenHash},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
	}

	var doc tokenDocument
	if err := m.db.Collection(refreshTokensColl).FindOneAndDelete(ctx, filter).Decode(&doc); err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, mapNoDocuments(err))
	}

	id, uid, err := doc.ids()
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.RefreshToken{
		ID:        id,
		UserID:    uid,
		TokenHash: doc.TokenHash,
		ExpiresAt: doc.ExpiresAt,
		CreatedAt: doc.CreatedAt,
	}, nil
}

func (m *MongoStorage) DeleteUserRefreshTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	return m.deleteMany(ctx, "mongo.DeleteUserRefreshTokens", refreshTokensColl,
		bson.D{{Key: "user_id", Value: userID.String()}})
}

func (m *MongoStorage) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	return m.deleteMany(ctx, "mongo.DeleteExpiredRefreshTokens", refreshTokensColl, expiredFilter(now))
}

func (m *MongoStorage) AddBlacklistEntry(ctx context.Context, entry models.BlacklistEntry) error {
	const op = "mongo.AddBlacklistEntry"

	doc := blacklistDocument{
		TokenHash: entry.TokenHash,
		ExpiresAt: entry.ExpiresAt,
		CreatedAt: entry.CreatedAt,
	}
	_, err := m.db.Collection(blacklistColl).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: entry.TokenHash}},
		bson.D{{Key: "$setOnInsert", Value: doc}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (m *MongoStorage) IsBlacklisted(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	const op = "mongo.IsBlacklisted"

	n, err := m.db.Collection(blacklistColl).CountDocuments(ctx, bson.D{
		{Key: "_id", Value: tokenHash},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return n > 0, nil
}

func (m *MongoStorage) DeleteExpiredBlacklistEntries(ctx context.Context, now time.Time) (int64, error) {
	return m.deleteMany(ctx, "mongo.DeleteExpiredBlacklistEntries", blacklistColl, expiredFilter(now))
}

func (m *MongoStorage) CreatePasswordResetToken(ctx context.Context, token models.PasswordResetToken) error {
	const op = "mongo.CreatePasswordResetToken"

	doc := tokenDocument{
		ID:        token.ID.String(),
		UserID:    token.UserID.String(),
		TokenHash: token.TokenHash,
		ExpiresAt: token.ExpiresAt,
		CreatedAt: token.CreatedAt,
	}
	if _, err := m.db.Collection(resetTokensColl).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (m *MongoStorage) GetPasswordResetToken(ctx context.Context, tokenHash string) (models.PasswordResetToken, error) {
	const op = "mongo.GetPasswordResetToken"

	var doc tokenDocument
	err := m.db.Collection(resetTokensColl).
		FindOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}).
		Decode(&doc)
	if err != nil {
		return models.PasswordResetToken{}, fmt.Errorf("%s: %w", op, mapNoDocuments(err))
	}

	id, uid, err := doc.ids()
	if err != nil {
		return models.PasswordResetToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.PasswordResetToken{
		ID:        id,
		UserID:    uid,
		TokenHash: doc.TokenHash,
		ExpiresAt: doc.ExpiresAt,
		CreatedAt: doc.CreatedAt,
	}, nil
}

func (m *MongoStorage) DeletePasswordResetToken(ctx context.Context, tokenID uuid.UUID) error {
	const op = "mongo.DeletePasswordResetToken"

	res, err := m.db.Collection(resetTokensColl).DeleteOne(ctx, bson.D{{Key: "_id", Value: tokenID.String()}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

func (m *MongoStorage) DeleteUserPasswordResetTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	return m.deleteMany(ctx, "mongo.DeleteUserPasswordResetTokens", resetTokensColl,
		bson.D{{Key: "user_id", Value: userID.String()}})
}

func (m *MongoStorage) DeleteExpiredPasswordResetTokens(ctx context.Context, now time.Time) (int64, error) {
	return m.deleteMany(ctx, "mongo.DeleteExpiredPasswordResetTokens", resetTokensColl, expiredFilter(now))
}

func (m *MongoStorage) deleteMany(ctx context.Context, op, coll string, filter bson.D) (int64, error) {
	res, err := m.db.Collection(coll).DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.DeletedCount, nil
}

func (m *MongoStorage) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = m.client.Disconnect(ctx)
}

func (d userDocument) toModel() (models.User, error) {
	id, err := uuid.FromString(d.ID)
	if err != nil {
		return models.User{}, err
	}

	user := models.User{
		ID:            id,
		Email:         d.Email,
		PasswordHash:  d.PasswordHash,
		Role:          models.Role(d.Role),
		EmailVerified: d.EmailVerified,
		Profile:       d.Profile,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}

	if d.OTP != nil || d.OTPAttempts > 0 {
		user.OTP = &models.OTP{Attempts: d.OTPAttempts}
		if d.OTP != nil {
			user.OTP.Code = *d.OTP
		}
		if d.OTPIssuedAt != nil {
			user.OTP.IssuedAt = *d.OTPIssuedAt
		}
		if d.OTPExpiresAt != nil {
			user.OTP.ExpiresAt = *d.OTPExpiresAt
		}
	}

	return user, nil
}

func (d tokenDocument) ids() (uuid.UUID, uuid.UUID, error) {
	id, err := uuid.FromString(d.ID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	uid, err := uuid.FromString(d.UserID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return id, uid, nil
}

func clearedOTP() bson.D {
	return bson.D{
		{Key: "otp", Value: nil},
		{Key: "otp_issued_at", Value: nil},
		{Key: "otp_expires_at", Value: nil},
		{Key: "otp_attempts", Value: 0},
	}
}

func expiredFilter(now time.Time) bson.D {
	return bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: now}}}}
}

func mapNoDocuments(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ErrNotFound
	}
	return err
}
