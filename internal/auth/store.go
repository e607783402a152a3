package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// UserDirectory is the credential directory the core reads users from.
// Implementations return ErrUserNotFound for unknown users.
type UserDirectory interface {
	FindByUsername(ctx context.Context, username string) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, user User) error
	GrantPermission(ctx context.Context, userID, permission string) error
	RevokePermission(ctx context.Context, userID, permission string) error
}

// RefreshTokenStore persists refresh token records keyed by token hash.
//
// RotateRefreshToken must be atomic: it revokes the record for oldHash and
// persists next only if the old record is still active, returning
// ErrRefreshReused when the record was already revoked, ErrRefreshExpired when
// it has expired and ErrRefreshNotFound when it does not exist.
type RefreshTokenStore interface {
	AppendRefreshToken(ctx context.Context, token RefreshToken) error
	FindRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldHash string, next RefreshToken, now time.Time) error
	RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error
	RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error)
	ListRefreshTokens(ctx context.Context, userID string) ([]RefreshToken, error)
}

const defaultStoreTimeout = 3 * time.Second

func withStoreTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// storeError turns a deadline hit during a store call into ErrStoreUnavailable
// so it can never be mistaken for a not-found answer.
func storeError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func hashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
