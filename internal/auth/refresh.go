package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReuseEvent describes a revoked refresh token being presented again.
type ReuseEvent struct {
	UserID    string
	FamilyID  string
	TokenID   string
	CallerIP  string
	Revoked   int64
	RevokeErr error
}

// RefreshManager rotates and revokes refresh tokens and reacts to reuse.
type RefreshManager struct {
	tokens  RefreshTokenStore
	users   UserDirectory
	issuer  *Issuer
	timeout time.Duration
	now     func() time.Time
	onReuse func(ReuseEvent)
}

func NewRefreshManager(tokens RefreshTokenStore, users UserDirectory, issuer *Issuer) *RefreshManager {
	return &RefreshManager{
		tokens:  tokens,
		users:   users,
		issuer:  issuer,
		timeout: defaultStoreTimeout,
		now:     time.Now,
		onReuse: func(ReuseEvent) {},
	}
}

func (m *RefreshManager) WithStoreTimeout(timeout time.Duration) *RefreshManager {
	if timeout > 0 {
		m.timeout = timeout
	}
	return m
}

func (m *RefreshManager) WithClock(now func() time.Time) *RefreshManager {
	m.now = now
	return m
}

// WithReuseHook registers the callback invoked after every reuse event, once
// the owner's tokens have been revoked.
func (m *RefreshManager) WithReuseHook(hook func(ReuseEvent)) *RefreshManager {
	if hook != nil {
		m.onReuse = hook
	}
	return m
}

// Rotate exchanges an active refresh token for a new access/refresh pair in
// the same family. The old token is revoked and its successor persisted in a
// single store operation.
func (m *RefreshManager) Rotate(ctx context.Context, rawToken, callerIP string) (Tokens, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Tokens{}, ErrRefreshNotFound
	}

	ctx, cancel := withStoreTimeout(ctx, m.timeout)
	defer cancel()

	now := m.now().UTC()
	oldHash := hashToken(rawToken)

	current, err := m.tokens.FindRefreshToken(ctx, oldHash)
	if err != nil {
		return Tokens{}, storeError(ctx, err)
	}

	switch current.State(now) {
	case RefreshRevoked:
		return Tokens{}, m.reuseDetected(ctx, current, callerIP, now)
	case RefreshExpired:
		return Tokens{}, ErrRefreshExpired
	}

	user, err := m.users.FindByID(ctx, current.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) && ctx.Err() == nil {
			return Tokens{}, fmt.Errorf("%w: owner no longer exists", ErrRefreshNotFound)
		}
		return Tokens{}, storeError(ctx, err)
	}

	access, err := m.issuer.signAccessToken(user, now)
	if err != nil {
		return Tokens{}, err
	}

	rawNext, next, err := m.issuer.newRefreshToken(user.ID, current.FamilyID, callerIP, now)
	if err != nil {
		return Tokens{}, err
	}

	if err := m.tokens.RotateRefreshToken(ctx, oldHash, next, now); err != nil {
		if errors.Is(err, ErrRefreshReused) {
			// Lost the race against a concurrent rotation of the same token.
			return Tokens{}, m.reuseDetected(ctx, current, callerIP, now)
		}
		return Tokens{}, storeError(ctx, err)
	}

	return m.issuer.pair(access, rawNext), nil
}

func (m *RefreshManager) reuseDetected(ctx context.Context, token RefreshToken, callerIP string, now time.Time) error {
	revoked, err := m.tokens.RevokeUserRefreshTokens(ctx, token.UserID, now)
	err = storeError(ctx, err)

	m.onReuse(ReuseEvent{
		UserID:    token.UserID,
		FamilyID:  token.FamilyID,
		TokenID:   token.ID,
		CallerIP:  callerIP,
		Revoked:   revoked,
		RevokeErr: err,
	})

	if err != nil {
		return fmt.Errorf("revoke tokens after reuse: %w", err)
	}
	return ErrRefreshReused
}

// Revoke marks a refresh token revoked. Revoking an already revoked token is
// not an error.
func (m *RefreshManager) Revoke(ctx context.Context, rawToken string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ErrRefreshNotFound
	}

	ctx, cancel := withStoreTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.tokens.RevokeRefreshToken(ctx, hashToken(rawToken), m.now().UTC()); err != nil {
		return storeError(ctx, err)
	}
	return nil
}

// Sessions lists every refresh token record of a user, oldest first.
func (m *RefreshManager) Sessions(ctx context.Context, userID string) ([]RefreshToken, error) {
	ctx, cancel := withStoreTimeout(ctx, m.timeout)
	defer cancel()

	tokens, err := m.tokens.ListRefreshTokens(ctx, userID)
	if err != nil {
		return nil, storeError(ctx, err)
	}
	return tokens, nil
}
