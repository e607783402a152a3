package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validator checks access tokens. It holds no mutable state after
// construction and is safe for concurrent use.
type Validator struct {
	config TokenConfig
	parser *jwt.Parser
	now    func() time.Time
}

func NewValidator(config TokenConfig) (*Validator, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("token config: %w", err)
	}

	v := &Validator{config: config, now: time.Now}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(config.Issuer),
		jwt.WithAudience(config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)

	return v, nil
}

// WithClock replaces the time source. It must be called before the validator
// is shared between goroutines.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate checks structure, signature, issuer, audience and expiry, in that
// order, and returns the token's principal.
func (v *Validator) Validate(tokenString string) (Principal, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Principal{}, ErrTokenMalformed
	}

	claims := &accessClaims{}
	if _, err := v.parser.ParseWithClaims(tokenString, claims, v.key); err != nil {
		return Principal{}, v.classify(err, claims)
	}

	if claims.TokenUse != accessTokenUse || claims.Subject == "" || !claims.Role.Valid() {
		return Principal{}, ErrTokenMalformed
	}

	return Principal{
		Subject:     claims.Subject,
		Username:    claims.Username,
		Role:        claims.Role,
		Permissions: slices.Clone(claims.Permissions),
	}, nil
}

func (v *Validator) key(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" || kid == v.config.KeyID {
		return v.config.SigningKey, nil
	}
	if key, ok := v.config.PreviousKeys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

func (v *Validator) classify(err error, claims *accessClaims) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrTokenSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrTokenIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrTokenAudienceMismatch
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		// A missing iss or aud is a mismatch, a missing exp is malformed.
		if claims.Issuer != v.config.Issuer {
			return ErrTokenIssuerMismatch
		}
		if !slices.Contains(claims.Audience, v.config.Audience) {
			return ErrTokenAudienceMismatch
		}
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}
