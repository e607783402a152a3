package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"todo-auth/internal/auth"
	"todo-auth/internal/observability"
	"todo-auth/internal/todo"
)

type routerFixture struct {
	handler http.Handler
	todos   *todo.MemoryRepository
	service *auth.Service
}

func newRouterFixture(t *testing.T, health func(ctx context.Context) error) routerFixture {
	t.Helper()
	ctx := context.Background()

	store := auth.NewMemoryStore()
	logger := observability.NewLoggerTo(io.Discard)
	service, err := auth.NewService(store, store, auth.TokenConfig{
		SigningKey: []byte(testJWTSecret),
		Issuer:     "TodoApi",
		Audience:   "TodoApi",
		AccessTTL:  time.Hour,
		RefreshTTL: 7 * 24 * time.Hour,
	}, logger, auth.ServiceOptions{PasswordCost: bcrypt.MinCost})
	require.NoError(t, err)
	require.NoError(t, service.BootstrapFromEnv(ctx, "admin", "password"))

	todos := todo.NewMemoryRepository()
	require.NoError(t, todos.Seed(ctx))

	handler := NewRouter(Dependencies{
		Logger:       logger,
		Auth:         service,
		Todos:        todos,
		Pruner:       store,
		LoginLimiter: auth.NewLoginRateLimiter(100, time.Minute),
		CronSecret:   "cron-secret",
		CORSOrigins:  []string{"https://app.example"},
		Health:       health,
	})

	return routerFixture{handler: handler, todos: todos, service: service}
}

func (f routerFixture) do(method, target, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f routerFixture) login(t *testing.T, username, password string) string {
	t.Helper()
	rec := f.do(http.MethodPost, "/auth/token", `{"username":"`+username+`","password":"`+password+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tokens auth.Tokens
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	return tokens.AccessToken
}

func (f routerFixture) firstTodoID(t *testing.T) string {
	t.Helper()
	todos, err := f.todos.List(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, todos)
	return todos[0].ID
}

func TestAdminDeletesTodoUntilPermissionRevoked(t *testing.T) {
	f := newRouterFixture(t, nil)

	admin := f.login(t, "admin", "password")
	rec := f.do(http.MethodDelete, "/todos/"+f.firstTodoID(t), "", admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodDelete, "/users/admin/permissions/DeleteTodo", "", admin)
	require.Equal(t, http.StatusNoContent, rec.Code)

	admin = f.login(t, "admin", "password")
	rec = f.do(http.MethodDelete, "/todos/"+f.firstTodoID(t), "", admin)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient permission")

	rec = f.do(http.MethodPost, "/auth/token", `{"username":"admin","password":"nope"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTodoRoutesEnforcePolicies(t *testing.T) {
	f := newRouterFixture(t, nil)
	_, err := f.service.CreateUser(context.Background(), auth.NewUser{
		Username:    "viewer",
		Password:    "password1",
		Permissions: []string{auth.PermissionViewTodo},
	})
	require.NoError(t, err)
	id := f.firstTodoID(t)

	rec := f.do(http.MethodGet, "/todos", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/todos/"+id, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	viewer := f.login(t, "viewer", "password1")
	rec = f.do(http.MethodGet, "/todos", "", viewer)
	require.Equal(t, http.StatusOK, rec.Code)
	var todos []todo.Todo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &todos))
	assert.Len(t, todos, 2)

	rec = f.do(http.MethodPost, "/todos", `{"name":"Nope"}`, viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(http.MethodPut, "/todos/"+id, `{"name":"Nope"}`, viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/users", `{"username":"other","password":"password1"}`, viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient role")

	admin := f.login(t, "admin", "password")
	rec = f.do(http.MethodPost, "/todos", `{"name":"Write docs"}`, admin)
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(http.MethodPut, "/todos/"+id, `{"name":"Learn Minimal APIs","isDone":true}`, admin)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCleanupAndHealthRoutes(t *testing.T) {
	f := newRouterFixture(t, nil)

	rec := f.do(http.MethodPost, "/internal/maintenance/cleanup", "", "cron-secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodPost, "/internal/maintenance/cleanup", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(observability.RequestIDHeader))

	degraded := newRouterFixture(t, func(context.Context) error { return errors.New("db down") })
	rec = degraded.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestLoginLimiterIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	f := newRouterFixture(t, nil)
	proxies, err := observability.ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	handler := NewRouter(Dependencies{
		Logger:         observability.NewLoggerTo(io.Discard),
		Auth:           f.service,
		Todos:          f.todos,
		LoginLimiter:   auth.NewLoginRateLimiter(2, time.Minute),
		TrustedProxies: proxies,
	})
	attempt := func(remoteAddr, forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"username":"nobody","password":"password"}`))
		req.RemoteAddr = remoteAddr
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	limited := 0
	for i := 0; i < 20; i++ {
		if attempt("198.51.100.9:4242", fmt.Sprintf("203.0.113.%d", i)) == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 18, limited)

	assert.Equal(t, http.StatusUnauthorized, attempt("10.0.0.2:4242", "203.0.113.50"))
	assert.Equal(t, http.StatusUnauthorized, attempt("10.0.0.3:4242", "203.0.113.51"))
	assert.Equal(t, http.StatusUnauthorized, attempt("10.0.0.2:4242", "203.0.113.50"))
	assert.Equal(t, http.StatusTooManyRequests, attempt("10.0.0.2:4242", "203.0.113.50"))
}

func TestCORSPreflight(t *testing.T) {
	f := newRouterFixture(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/todos", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/todos", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestBuildMemoryBackend(t *testing.T) {
	t.Setenv("JWT_SECRET", testJWTSecret)
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("REDIS_URL", "")
	t.Setenv("SENTRY_DSN", "")
	t.Setenv("BCRYPT_COST", "4")
	t.Setenv("ADMIN_USERNAME", "admin")
	t.Setenv("ADMIN_PASSWORD", "password")

	runtime, err := Build(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close() })

	f := routerFixture{handler: runtime.Handler}
	token := f.login(t, "admin", "password")

	rec := f.do(http.MethodGet, "/todos", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var todos []todo.Todo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &todos))
	assert.Len(t, todos, 2)
}
