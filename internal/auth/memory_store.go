package auth

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps users and refresh tokens in process memory. It backs the
// memory store mode and the package tests. A single mutex serializes all
// mutations, which makes rotation a compare-and-swap on the revoked flag.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[string]User
	byUsername  map[string]string
	tokens      map[string]RefreshToken
	tokensByUID map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]User),
		byUsername:  make(map[string]string),
		tokens:      make(map[string]RefreshToken),
		tokensByUID: make(map[string][]string),
	}
}

func (s *MemoryStore) FindByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byUsername[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return cloneUser(s.users[id]), nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return cloneUser(user), nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byUsername[user.Username]; exists {
		return ErrUserExists
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if _, exists := s.users[user.ID]; exists {
		return ErrUserExists
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	s.users[user.ID] = cloneUser(user)
	s.byUsername[user.Username] = user.ID
	return nil
}

func (s *MemoryStore) GrantPermission(ctx context.Context, userID, permission string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if !slices.Contains(user.Permissions, permission) {
		user.Permissions = append(slices.Clone(user.Permissions), permission)
		user.UpdatedAt = time.Now().UTC()
		s.users[userID] = user
	}
	return nil
}

func (s *MemoryStore) RevokePermission(ctx context.Context, userID, permission string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.Permissions = slices.DeleteFunc(slices.Clone(user.Permissions), func(p string) bool {
		return p == permission
	})
	user.UpdatedAt = time.Now().UTC()
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) AppendRefreshToken(ctx context.Context, token RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(token)
	return nil
}

func (s *MemoryStore) appendLocked(token RefreshToken) {
	s.tokens[token.TokenHash] = token
	s.tokensByUID[token.UserID] = append(s.tokensByUID[token.UserID], token.TokenHash)
}

func (s *MemoryStore) FindRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return RefreshToken{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenHash]
	if !ok {
		return RefreshToken{}, ErrRefreshNotFound
	}
	return token, nil
}

func (s *MemoryStore) RotateRefreshToken(ctx context.Context, oldHash string, next RefreshToken, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[oldHash]
	if !ok {
		return ErrRefreshNotFound
	}
	switch old.State(now) {
	case RefreshRevoked:
		return ErrRefreshReused
	case RefreshExpired:
		return ErrRefreshExpired
	}

	revokedAt := now
	old.RevokedAt = &revokedAt
	old.ReplacedBy = next.ID
	s.tokens[oldHash] = old
	s.appendLocked(next)
	return nil
}

func (s *MemoryStore) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenHash]
	if !ok {
		return ErrRefreshNotFound
	}
	if token.RevokedAt == nil {
		revokedAt := now
		token.RevokedAt = &revokedAt
		s.tokens[tokenHash] = token
	}
	return nil
}

func (s *MemoryStore) RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked int64
	for _, hash := range s.tokensByUID[userID] {
		token := s.tokens[hash]
		if token.State(now) != RefreshActive {
			continue
		}
		revokedAt := now
		token.RevokedAt = &revokedAt
		s.tokens[hash] = token
		revoked++
	}
	return revoked, nil
}

func (s *MemoryStore) ListRefreshTokens(ctx context.Context, userID string) ([]RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hashes := s.tokensByUID[userID]
	out := make([]RefreshToken, 0, len(hashes))
	for _, hash := range hashes {
		out = append(out, s.tokens[hash])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// PruneRefreshTokens drops records that expired before cutoff, at most
// batchSize of them. Revocation alone never makes a record prunable.
func (s *MemoryStore) PruneRefreshTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for userID, hashes := range s.tokensByUID {
		kept := hashes[:0]
		for _, hash := range hashes {
			token := s.tokens[hash]
			if token.ExpiresAt.Before(cutoff) && (batchSize <= 0 || deleted < int64(batchSize)) {
				delete(s.tokens, hash)
				deleted++
				continue
			}
			kept = append(kept, hash)
		}
		s.tokensByUID[userID] = kept
	}
	return deleted, nil
}

func cloneUser(user User) User {
	user.Permissions = slices.Clone(user.Permissions)
	return user
}
