package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Authenticator verifies username/password pairs against a UserDirectory.
type Authenticator struct {
	users     UserDirectory
	hasher    *PasswordHasher
	dummyHash string
	timeout   time.Duration
}

func NewAuthenticator(users UserDirectory, hasher *PasswordHasher) (*Authenticator, error) {
	// Unknown usernames are checked against this hash so they cost the same
	// bcrypt work as a wrong password.
	dummy, err := randomToken(16)
	if err != nil {
		return nil, fmt.Errorf("generate dummy password: %w", err)
	}
	dummyHash, err := hasher.Hash(dummy)
	if err != nil {
		return nil, err
	}

	return &Authenticator{
		users:     users,
		hasher:    hasher,
		dummyHash: dummyHash,
		timeout:   defaultStoreTimeout,
	}, nil
}

func (a *Authenticator) WithStoreTimeout(timeout time.Duration) *Authenticator {
	if timeout > 0 {
		a.timeout = timeout
	}
	return a
}

// Authenticate returns the user for a correct username/password pair and
// ErrInvalidCredentials otherwise, without revealing which half was wrong.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = NormalizeUsername(username)
	if username == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}

	ctx, cancel := withStoreTimeout(ctx, a.timeout)
	defer cancel()

	user, err := a.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) && ctx.Err() == nil {
			a.hasher.Matches(a.dummyHash, password)
			return User{}, ErrInvalidCredentials
		}
		return User{}, storeError(ctx, err)
	}

	if !a.hasher.Matches(user.PasswordHash, password) {
		return User{}, ErrInvalidCredentials
	}

	return user, nil
}

func NormalizeUsername(username string) string {
	return strings.TrimSpace(strings.ToLower(username))
}
