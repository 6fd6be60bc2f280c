package auth

import (
	"context"
	"errors"
	"fmt"

	"marketplace_auth/internal/models"
	"marketplace_auth/internal/storage"
)

type UserFinder interface {
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
}

// Verifier checks email and password pairs. An unknown email and a wrong
// password are indistinguishable to the caller.
type Verifier struct {
	users     UserFinder
	dummyHash string
}

func NewVerifier(users UserFinder, bcryptCost int) (*Verifier, error) {
	// compared against when the account does not exist
	dummy, err := HashPassword("marketplace-auth-dummy", bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("auth.NewVerifier: %w", err)
	}

	return &Verifier{
		users:     users,
		dummyHash: dummy,
	}, nil
}

// Verify returns the user without its password hash and true on a match.
// A missing user yields false and a nil error.
func (v *Verifier) Verify(ctx context.Context, email, password string) (models.User, bool, error) {
	const op = "auth.Verify"

	user, err := v.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			CheckPasswordHash(v.dummyHash, password)
			return models.User{}, false, nil
		}
		return models.User{}, false, fmt.Errorf("%s: %w", op, err)
	}

	if !CheckPasswordHash(user.PasswordHash, password) {
		return models.User{}, false, nil
	}

	user.PasswordHash = ""

	return user, true, nil
}
