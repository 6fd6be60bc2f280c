package auth

import (
	"errors"
	"fmt"
	"time"

	"marketplace_auth/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrWrongTokenType = errors.New("wrong token type")
	ErrMissingSecret  = errors.New("missing signing secret")
)

type Claims struct {
	Email string      `json:"email"`
	Role  models.Role `json:"role"`
	Type  TokenType   `json:"type"`
	jwt.RegisteredClaims
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Codec signs and verifies session tokens. Access and refresh tokens use
// separate secrets so one leaked secret cannot forge the other class.
type Codec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewCodec(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) (*Codec, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, ErrMissingSecret
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}

	return &Codec{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}, nil
}

// WithClock replaces the time source. Intended for tests.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

func (c *Codec) Issue(claims Claims, secret []byte, ttl time.Duration) (string, error) {
	const op = "auth.Issue"

	now := c.now()
	claims.ID = uuid.NewString()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

func (c *Codec) Verify(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (c *Codec) IssuePair(user models.User) (TokenPair, error) {
	base := Claims{
		Email: user.Email,
		Role:  user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: user.ID.String(),
		},
	}

	access := base
	access.Type = TokenTypeAccess
	accessToken, err := c.Issue(access, c.accessSecret, c.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}

	refresh := base
	refresh.Type = TokenTypeRefresh
	refreshToken, err := c.Issue(refresh, c.refreshSecret, c.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

func (c *Codec) VerifyAccess(tokenString string) (*Claims, error) {
	return c.verifyType(tokenString, c.accessSecret, TokenTypeAccess)
}

func (c *Codec) VerifyRefresh(tokenString string) (*Claims, error) {
	return c.verifyType(tokenString, c.refreshSecret, TokenTypeRefresh)
}

func (c *Codec) verifyType(tokenString string, secret []byte, want TokenType) (*Claims, error) {
	claims, err := c.Verify(tokenString, secret)
	if err != nil {
		return nil, err
	}
	if claims.Type != want {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}
