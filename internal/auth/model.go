package auth

import (
	"slices"
	"time"
)

type Role string

const (
	RoleAdmin   Role = "Admin"
	RoleManager Role = "Manager"
	RoleUser    Role = "User"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleUser:
		return true
	default:
		return false
	}
}

const (
	PermissionCreateTodo  = "CreateTodo"
	PermissionUpdateTodo  = "UpdateTodo"
	PermissionDeleteTodo  = "DeleteTodo"
	PermissionViewTodo    = "ViewTodo"
	PermissionManageUsers = "ManageUsers"
)

// AllPermissions is the permission set granted to the bootstrap admin.
func AllPermissions() []string {
	return []string{
		PermissionCreateTodo,
		PermissionUpdateTodo,
		PermissionDeleteTodo,
		PermissionViewTodo,
		PermissionManageUsers,
	}
}

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	Permissions  []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u User) HasPermission(permission string) bool {
	return slices.Contains(u.Permissions, permission)
}

// RefreshState is the lifecycle position of a refresh token. Revoked and
// Expired are terminal.
type RefreshState int

const (
	RefreshActive RefreshState = iota
	RefreshRevoked
	RefreshExpired
)

func (s RefreshState) String() string {
	switch s {
	case RefreshActive:
		return "active"
	case RefreshRevoked:
		return "revoked"
	case RefreshExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// RefreshToken is the stored form of a refresh token. The opaque token value
// is only ever handed to the client; storage keys on TokenHash.
type RefreshToken struct {
	ID          string
	UserID      string
	FamilyID    string
	TokenHash   string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	CreatedByIP string
	RevokedAt   *time.Time
	ReplacedBy  string
}

func (t RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

func (t RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// State resolves the token's position in the Active -> Revoked / Expired
// machine. Revocation wins over expiry so that presenting a rotated token is
// always seen as reuse.
func (t RefreshToken) State(now time.Time) RefreshState {
	switch {
	case t.Revoked():
		return RefreshRevoked
	case t.IsExpired(now):
		return RefreshExpired
	default:
		return RefreshActive
	}
}

type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Principal is the caller identity recovered from a validated access token.
type Principal struct {
	Subject     string   `json:"subject"`
	Username    string   `json:"username"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions"`
}
