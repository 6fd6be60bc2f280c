// Package guard holds the request-time access checks. Each check is a plain
// function over a Request and they run in a fixed order: authenticate, then
// the blacklist, then the role.
package guard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"marketplace_auth/internal/auth"
	"marketplace_auth/internal/models"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Request carries the Authorization header in and the verified token and
// claims out.
type Request struct {
	Header string
	Token  string
	Claims *auth.Claims
}

// Guard returns nil to allow the request or an error naming the reason.
type Guard func(ctx context.Context, req *Request) error

type TokenVerifier interface {
	VerifyAccess(token string) (*auth.Claims, error)
}

type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// Chain runs guards in order and stops at the first denial.
func Chain(guards ...Guard) Guard {
	return func(ctx context.Context, req *Request) error {
		for _, g := range guards {
			if err := g(ctx, req); err != nil {
				return err
			}
		}
		return nil
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: empty authorization header", ErrUnauthorized)
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: invalid authorization header", ErrUnauthorized)
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrUnauthorized)
	}

	return token, nil
}

func Authenticate(codec TokenVerifier) Guard {
	return func(_ context.Context, req *Request) error {
		token, err := BearerToken(req.Header)
		if err != nil {
			return err
		}

		claims, err := codec.VerifyAccess(token)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}

		req.Token = token
		req.Claims = claims

		return nil
	}
}

// NotRevoked must run after Authenticate.
func NotRevoked(blacklist RevocationChecker) Guard {
	return func(ctx context.Context, req *Request) error {
		if req.Token == "" {
			return fmt.Errorf("%w: not authenticated", ErrUnauthorized)
		}

		revoked, err := blacklist.IsRevoked(ctx, req.Token)
		if err != nil {
			return fmt.Errorf("guard.NotRevoked: %w", err)
		}
		if revoked {
			return fmt.Errorf("%w: token revoked", ErrUnauthorized)
		}

		return nil
	}
}

func RequireRole(roles ...models.Role) Guard {
	return func(_ context.Context, req *Request) error {
		if req.Claims == nil {
			return fmt.Errorf("%w: not authenticated", ErrUnauthorized)
		}
		if !slices.Contains(roles, req.Claims.Role) {
			return fmt.Errorf("%w: role %q not allowed", ErrForbidden, req.Claims.Role)
		}
		return nil
	}
}

// Access is the standard authenticate then blacklist chain.
func Access(codec TokenVerifier, blacklist RevocationChecker) Guard {
	return Chain(Authenticate(codec), NotRevoked(blacklist))
}
