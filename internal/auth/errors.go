package auth

import "errors"

var ErrInvalidCredentials = errors.New("invalid credentials")

var (
	ErrTokenMalformed        = errors.New("token malformed")
	ErrTokenSignatureInvalid = errors.New("token signature invalid")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenIssuerMismatch   = errors.New("token issuer mismatch")
	ErrTokenAudienceMismatch = errors.New("token audience mismatch")
)

var (
	ErrInsufficientRole       = errors.New("insufficient role")
	ErrInsufficientPermission = errors.New("insufficient permission")
)

var (
	ErrRefreshNotFound = errors.New("refresh token not found")
	ErrRefreshExpired  = errors.New("refresh token expired")
	// ErrRefreshReused means a revoked refresh token was presented again. The
	// owner's remaining active tokens have been revoked by the time it is
	// returned.
	ErrRefreshReused = errors.New("refresh token reused")
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
	// ErrStoreUnavailable marks a transient storage failure, typically a
	// timeout. It is never a substitute for a not-found answer.
	ErrStoreUnavailable = errors.New("auth store unavailable")
)

func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenSignatureInvalid) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenIssuerMismatch) ||
		errors.Is(err, ErrTokenAudienceMismatch)
}

func IsRefreshError(err error) bool {
	return errors.Is(err, ErrRefreshNotFound) ||
		errors.Is(err, ErrRefreshExpired) ||
		errors.Is(err, ErrRefreshReused)
}

// ErrInvalidInput wraps request validation failures in user administration.
var ErrInvalidInput = errors.New("invalid input")
