package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *MemoryStore) {
	t.Helper()

	store := NewMemoryStore()
	hasher := NewPasswordHasher(bcrypt.MinCost)
	hash, err := hasher.Hash("password")
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(context.Background(), User{
		ID:           "u-admin",
		Username:     "admin",
		PasswordHash: hash,
		Role:         RoleAdmin,
		Permissions:  AllPermissions(),
	}))

	authenticator, err := NewAuthenticator(store, hasher)
	require.NoError(t, err)
	return authenticator, store
}

func TestAuthenticate(t *testing.T) {
	authenticator, _ := newTestAuthenticator(t)
	ctx := context.Background()

	user, err := authenticator.Authenticate(ctx, "admin", "password")
	require.NoError(t, err)
	assert.Equal(t, "u-admin", user.ID)

	user, err = authenticator.Authenticate(ctx, "  Admin ", "password")
	require.NoError(t, err)
	assert.Equal(t, "u-admin", user.ID)
}

func TestAuthenticateFailuresAreUniform(t *testing.T) {
	authenticator, _ := newTestAuthenticator(t)
	ctx := context.Background()

	cases := map[string][2]string{
		"wrong password":  {"admin", "wrong"},
		"unknown user":    {"ghost", "password"},
		"empty password":  {"admin", ""},
		"empty username":  {"", "password"},
		"padded password": {"admin", " password"},
	}

	for name, creds := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := authenticator.Authenticate(ctx, creds[0], creds[1])
			require.ErrorIs(t, err, ErrInvalidCredentials)
			assert.Equal(t, ErrInvalidCredentials.Error(), err.Error())
		})
	}
}

func TestAuthenticateStoreTimeoutIsUnavailable(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost)
	authenticator, err := NewAuthenticator(slowUsers{}, hasher)
	require.NoError(t, err)
	authenticator.WithStoreTimeout(20 * time.Millisecond)

	_, err = authenticator.Authenticate(context.Background(), "admin", "password")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestPasswordHasher(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost)

	hash, err := hasher.Hash("s3cret-pass")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-pass", hash)
	assert.True(t, hasher.Matches(hash, "s3cret-pass"))
	assert.False(t, hasher.Matches(hash, "s3cret-pasS"))
	assert.False(t, hasher.Matches("not-a-hash", "s3cret-pass"))

	_, err = hasher.Hash(strings.Repeat("p", 73))
	require.ErrorIs(t, err, ErrInvalidInput)

	fallback := NewPasswordHasher(1)
	assert.Equal(t, bcrypt.DefaultCost, fallback.cost)
}
