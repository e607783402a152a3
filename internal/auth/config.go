package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MinSigningKeyBytes = 32

	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenConfig carries everything the issuer and validator need. It is built
// by the caller and passed in explicitly; nothing here reads the environment.
type TokenConfig struct {
	SigningKey []byte
	// KeyID is written to the "kid" header of issued tokens.
	KeyID string
	// PreviousKeys keeps retired signing keys verifiable by kid during a key
	// rotation window.
	PreviousKeys map[string][]byte
	Issuer       string
	Audience     string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

func (c TokenConfig) withDefaults() TokenConfig {
	if c.AccessTTL <= 0 {
		c.AccessTTL = defaultAccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = defaultRefreshTTL
	}
	c.KeyID = strings.TrimSpace(c.KeyID)
	return c
}

func (c TokenConfig) Validate() error {
	if len(c.SigningKey) < MinSigningKeyBytes {
		return fmt.Errorf("signing key must be at least %d bytes", MinSigningKeyBytes)
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return errors.New("issuer is required")
	}
	if strings.TrimSpace(c.Audience) == "" {
		return errors.New("audience is required")
	}
	if c.RefreshTTL <= c.AccessTTL {
		return errors.New("refresh ttl must be longer than access ttl")
	}
	for kid, key := range c.PreviousKeys {
		if strings.TrimSpace(kid) == "" {
			return errors.New("previous key set contains an empty kid")
		}
		if kid == c.KeyID {
			return fmt.Errorf("previous key %q collides with the active key id", kid)
		}
		if len(key) < MinSigningKeyBytes {
			return fmt.Errorf("previous key %q must be at least %d bytes", kid, MinSigningKeyBytes)
		}
	}
	return nil
}
