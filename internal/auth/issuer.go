package auth

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	refreshTokenBytes = 32
	accessTokenUse    = "access"
)

type accessClaims struct {
	Username    string   `json:"username"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions"`
	TokenUse    string   `json:"typ"`
	jwt.RegisteredClaims
}

// Issuer signs access tokens and mints refresh tokens for authenticated users.
type Issuer struct {
	config  TokenConfig
	tokens  RefreshTokenStore
	timeout time.Duration
	now     func() time.Time
}

func NewIssuer(config TokenConfig, tokens RefreshTokenStore) (*Issuer, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("token config: %w", err)
	}

	return &Issuer{
		config:  config,
		tokens:  tokens,
		timeout: defaultStoreTimeout,
		now:     time.Now,
	}, nil
}

func (i *Issuer) WithStoreTimeout(timeout time.Duration) *Issuer {
	if timeout > 0 {
		i.timeout = timeout
	}
	return i
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue starts a new refresh token family for user and returns the first
// access/refresh pair of it.
func (i *Issuer) Issue(ctx context.Context, user User, callerIP string) (Tokens, error) {
	now := i.now().UTC()

	familyID, err := uuid.NewV7()
	if err != nil {
		return Tokens{}, fmt.Errorf("generate token family id: %w", err)
	}

	access, err := i.signAccessToken(user, now)
	if err != nil {
		return Tokens{}, err
	}

	rawRefresh, record, err := i.newRefreshToken(user.ID, familyID.String(), callerIP, now)
	if err != nil {
		return Tokens{}, err
	}

	ctx, cancel := withStoreTimeout(ctx, i.timeout)
	defer cancel()

	if err := i.tokens.AppendRefreshToken(ctx, record); err != nil {
		return Tokens{}, storeError(ctx, err)
	}

	return i.pair(access, rawRefresh), nil
}

func (i *Issuer) signAccessToken(user User, now time.Time) (string, error) {
	jti, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}

	permissions := slices.Clone(user.Permissions)
	if permissions == nil {
		permissions = []string{}
	}
	slices.Sort(permissions)

	claims := accessClaims{
		Username:    user.Username,
		Role:        user.Role,
		Permissions: permissions,
		TokenUse:    accessTokenUse,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Subject:   user.ID,
			Issuer:    i.config.Issuer,
			Audience:  jwt.ClaimStrings{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.AccessTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if i.config.KeyID != "" {
		token.Header["kid"] = i.config.KeyID
	}

	encoded, err := token.SignedString(i.config.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, nil
}

func (i *Issuer) newRefreshToken(userID, familyID, callerIP string, now time.Time) (string, RefreshToken, error) {
	raw, err := randomToken(refreshTokenBytes)
	if err != nil {
		return "", RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", RefreshToken{}, fmt.Errorf("generate refresh token id: %w", err)
	}

	return raw, RefreshToken{
		ID:          id.String(),
		UserID:      userID,
		FamilyID:    familyID,
		TokenHash:   hashToken(raw),
		IssuedAt:    now,
		ExpiresAt:   now.Add(i.config.RefreshTTL),
		CreatedByIP: callerIP,
	}, nil
}

func (i *Issuer) pair(access, refresh string) Tokens {
	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(i.config.AccessTTL.Seconds()),
	}
}
