package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type principalContextKey struct{}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}

// Middleware authenticates the bearer access token and stores the resulting
// Principal on the request context.
func Middleware(validator *Validator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			unauthorized(w, "missing authorization token")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			unauthorized(w, "invalid authorization format")
			return
		}

		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			unauthorized(w, "invalid authorization token")
			return
		}

		principal, err := validator.Validate(tokenStr)
		if err != nil {
			unauthorized(w, tokenErrorMessage(err))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Require enforces a policy on an already authenticated request. It must sit
// behind Middleware.
func Require(next http.Handler, requirements ...Requirement) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			unauthorized(w, "missing authorization token")
			return
		}

		decision := Evaluate(principal, requirements...)
		if !decision.Allowed {
			writeError(w, http.StatusForbidden, decision.Reason.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	writeError(w, http.StatusUnauthorized, message)
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "token expired"
	case errors.Is(err, ErrTokenSignatureInvalid):
		return "invalid token signature"
	case errors.Is(err, ErrTokenIssuerMismatch):
		return "invalid token issuer"
	case errors.Is(err, ErrTokenAudienceMismatch):
		return "invalid token audience"
	default:
		return "malformed token"
	}
}
