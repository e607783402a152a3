package auth

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"todo-auth/internal/observability"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig() TokenConfig {
	return TokenConfig{
		SigningKey: []byte(testSecret),
		Issuer:     "TodoApi",
		Audience:   "TodoApi",
		AccessTTL:  time.Hour,
		RefreshTTL: 7 * 24 * time.Hour,
	}
}

// testClock is a settable time source shared by the components under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *testLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *testLogger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

type serviceFixture struct {
	service *Service
	store   *MemoryStore
	clock   *testClock
	logs    *testLogger
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()

	store := NewMemoryStore()
	clock := newTestClock()
	logs := &testLogger{}

	service, err := NewService(store, store, testConfig(), observability.NewLoggerTo(logs), ServiceOptions{
		PasswordCost: bcrypt.MinCost,
		Now:          clock.Now,
	})
	require.NoError(t, err)

	return serviceFixture{service: service, store: store, clock: clock, logs: logs}
}

func (f serviceFixture) createUser(t *testing.T, username, password string, role Role, permissions ...string) User {
	t.Helper()
	user, err := f.service.CreateUser(context.Background(), NewUser{
		Username:    username,
		Password:    password,
		Role:        role,
		Permissions: permissions,
	})
	require.NoError(t, err)
	return user
}

// slowUsers blocks every lookup until the context is done.
type slowUsers struct {
	UserDirectory
}

func (slowUsers) FindByUsername(ctx context.Context, _ string) (User, error) {
	<-ctx.Done()
	return User{}, ctx.Err()
}

func (slowUsers) FindByID(ctx context.Context, _ string) (User, error) {
	<-ctx.Done()
	return User{}, ctx.Err()
}
