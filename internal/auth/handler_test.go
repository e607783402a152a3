package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(f serviceFixture) *http.ServeMux {
	handler := NewHandler(f.service)
	authn := func(h http.HandlerFunc) http.Handler { return Middleware(f.service.Validator(), h) }

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", handler.Token)
	mux.HandleFunc("POST /auth/refresh", handler.Refresh)
	mux.HandleFunc("POST /auth/revoke", handler.Revoke)
	mux.Handle("GET /auth/me", authn(handler.Me))
	mux.Handle("GET /auth/sessions", authn(handler.Sessions))
	mux.Handle("POST /users", Middleware(f.service.Validator(),
		Require(http.HandlerFunc(handler.CreateUser), RoleEquals(RoleAdmin), HasPermission(PermissionManageUsers))))
	mux.Handle("PUT /users/{username}/permissions/{permission}", Middleware(f.service.Validator(),
		Require(http.HandlerFunc(handler.GrantPermission), RoleEquals(RoleAdmin), HasPermission(PermissionManageUsers))))
	mux.Handle("DELETE /users/{username}/permissions/{permission}", Middleware(f.service.Validator(),
		Require(http.HandlerFunc(handler.RevokePermission), RoleEquals(RoleAdmin), HasPermission(PermissionManageUsers))))
	return mux
}

func doJSON(t *testing.T, h http.Handler, method, target, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload["error"]
}

func loginVia(t *testing.T, mux http.Handler, username, password string) Tokens {
	t.Helper()
	rec := doJSON(t, mux, http.MethodPost, "/auth/token", `{"username":"`+username+`","password":"`+password+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tokens Tokens
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	return tokens
}

func TestTokenEndpoint(t *testing.T) {
	f := newServiceFixture(t)
	f.createUser(t, "admin", "password", RoleAdmin, AllPermissions()...)
	mux := newTestMux(f)

	tokens := loginVia(t, mux, "admin", "password")
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "Bearer", tokens.TokenType)

	for _, body := range []string{
		`{"username":"admin","password":"wrong"}`,
		`{"username":"ghost","password":"password"}`,
		`{"username":"","password":""}`,
	} {
		rec := doJSON(t, mux, http.MethodPost, "/auth/token", body, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid credentials", errorBody(t, rec))
	}

	rec := doJSON(t, mux, http.MethodPost, "/auth/token", `{"username":"admin","password":"password","extra":1}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, mux, http.MethodPost, "/auth/token", `not json`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshEndpoint(t *testing.T) {
	f := newServiceFixture(t)
	f.createUser(t, "admin", "password", RoleAdmin)
	mux := newTestMux(f)
	first := loginVia(t, mux, "admin", "password")

	rec := doJSON(t, mux, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+first.RefreshToken+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var second Tokens
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	rec = doJSON(t, mux, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+first.RefreshToken+`"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh token reuse detected", errorBody(t, rec))

	rec = doJSON(t, mux, http.MethodPost, "/auth/refresh", `{"refreshToken":"unknown"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid refresh token", errorBody(t, rec))

	third := loginVia(t, mux, "admin", "password")
	f.clock.Advance(8 * 24 * time.Hour)
	rec = doJSON(t, mux, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+third.RefreshToken+`"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh token expired", errorBody(t, rec))
}

func TestRevokeEndpoint(t *testing.T) {
	f := newServiceFixture(t)
	f.createUser(t, "admin", "password", RoleAdmin)
	mux := newTestMux(f)
	tokens := loginVia(t, mux, "admin", "password")

	body := `{"refreshToken":"` + tokens.RefreshToken + `"}`
	assert.Equal(t, http.StatusNoContent, doJSON(t, mux, http.MethodPost, "/auth/revoke", body, "").Code)
	assert.Equal(t, http.StatusNoContent, doJSON(t, mux, http.MethodPost, "/auth/revoke", body, "").Code)

	rec := doJSON(t, mux, http.MethodPost, "/auth/revoke", `{"refreshToken":"unknown"}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/refresh", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh token reuse detected", errorBody(t, rec))
}

func TestMeAndSessions(t *testing.T) {
	f := newServiceFixture(t)
	f.createUser(t, "admin", "password", RoleAdmin, PermissionViewTodo)
	mux := newTestMux(f)
	tokens := loginVia(t, mux, "admin", "password")

	rec := doJSON(t, mux, http.MethodGet, "/auth/me", "", tokens.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var principal Principal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &principal))
	assert.Equal(t, "admin", principal.Username)
	assert.Equal(t, RoleAdmin, principal.Role)

	rec = doJSON(t, mux, http.MethodGet, "/auth/sessions", "", tokens.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.NotEmpty(t, sessions[0].FamilyID)
}

func TestMiddlewareRejections(t *testing.T) {
	f := newServiceFixture(t)
	user := f.createUser(t, "admin", "password", RoleAdmin)
	mux := newTestMux(f)

	wrongIssuer := testConfig()
	wrongIssuer.Issuer = "Elsewhere"
	otherIssuer, err := NewIssuer(wrongIssuer, NewMemoryStore())
	require.NoError(t, err)
	otherIssuer.WithClock(f.clock.Now)
	foreign, err := otherIssuer.signAccessToken(user, f.clock.Now())
	require.NoError(t, err)

	valid := loginVia(t, mux, "admin", "password").AccessToken
	sig := strings.LastIndex(valid, ".") + 5
	swap := byte('A')
	if valid[sig] == swap {
		swap = 'B'
	}
	tampered := valid[:sig] + string(swap) + valid[sig+1:]

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "missing", header: "", want: "missing authorization token"},
		{name: "wrong scheme", header: "Basic abc", want: "invalid authorization format"},
		{name: "empty bearer", header: "Bearer   ", want: "invalid authorization format"},
		{name: "garbage", header: "Bearer not.a.jwt", want: "malformed token"},
		{name: "bad signature", header: "Bearer " + tampered, want: "invalid token signature"},
		{name: "wrong issuer", header: "Bearer " + foreign, want: "invalid token issuer"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tc.want, errorBody(t, rec))
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
		})
	}

	f.clock.Advance(2 * time.Hour)
	rec := doJSON(t, mux, http.MethodGet, "/auth/me", "", valid)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token expired", errorBody(t, rec))
}

func TestMiddlewareRejectsForeignAlgorithm(t *testing.T) {
	f := newServiceFixture(t)
	mux := newTestMux(f)

	claims := jwt.MapClaims{
		"sub":       "u-1",
		"role":      "Admin",
		"token_use": accessTokenUse,
		"iss":       "TodoApi",
		"aud":       "TodoApi",
		"exp":       f.clock.Now().Add(time.Hour).Unix(),
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	rec := doJSON(t, mux, http.MethodGet, "/auth/me", "", unsigned)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserAdministration(t *testing.T) {
	f := newServiceFixture(t)
	f.createUser(t, "admin", "password", RoleAdmin, AllPermissions()...)
	f.createUser(t, "manager", "password", RoleManager, PermissionManageUsers)
	mux := newTestMux(f)

	admin := loginVia(t, mux, "admin", "password").AccessToken
	manager := loginVia(t, mux, "manager", "password").AccessToken

	rec := doJSON(t, mux, http.MethodPost, "/users", `{"username":"gina","password":"password1"}`, manager)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "insufficient role", errorBody(t, rec))

	rec = doJSON(t, mux, http.MethodPost, "/users", `{"username":"gina","password":"password1","permissions":["ViewTodo"]}`, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created userResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "gina", created.Username)
	assert.Equal(t, RoleUser, created.Role)
	assert.Equal(t, []string{PermissionViewTodo}, created.Permissions)

	rec = doJSON(t, mux, http.MethodPost, "/users", `{"username":"gina","password":"password1"}`, admin)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/users", `{"username":"x","password":"password1"}`, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "username format is invalid", errorBody(t, rec))

	rec = doJSON(t, mux, http.MethodPost, "/users", `{"username":"ivan","password":"`+strings.Repeat("p", 100)+`"}`, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "password format is invalid", errorBody(t, rec))

	rec = doJSON(t, mux, http.MethodPut, "/users/gina/permissions/DeleteTodo", "", admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, mux, http.MethodDelete, "/users/gina/permissions/ViewTodo", "", admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, mux, http.MethodPut, "/users/nobody/permissions/DeleteTodo", "", admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	gina := loginVia(t, mux, "gina", "password1").AccessToken
	principal, err := f.service.Validator().Validate(gina)
	require.NoError(t, err)
	assert.Equal(t, []string{PermissionDeleteTodo}, principal.Permissions)
}

func TestLoginRateLimiter(t *testing.T) {
	limiter := NewLoginRateLimiter(2, time.Minute)
	clock := newTestClock()
	limiter.now = clock.Now

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := limiter.Middleware(ok)

	call := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
		req.RemoteAddr = ip + ":4242"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, call("10.0.0.1").Code)

	blocked := call("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.Equal(t, "60", blocked.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, call("10.0.0.2").Code)

	clock.Advance(time.Minute + time.Second)
	assert.Equal(t, http.StatusOK, call("10.0.0.1").Code)
}

func TestLoginRateLimiterIgnoresSpoofedForwardedFor(t *testing.T) {
	limiter := NewLoginRateLimiter(2, time.Minute)
	limiter.now = newTestClock().Now
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	allowed := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
		req.RemoteAddr = "198.51.100.9:4242"
		req.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}
