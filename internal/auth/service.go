package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"todo-auth/internal/observability"
)

var (
	usernameRegex   = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)
	permissionRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]{0,63}$`)
)

const (
	minPasswordLength = 8
	// bcrypt only accepts the first 72 bytes.
	maxPasswordLength = 72
)

type ServiceOptions struct {
	StoreTimeout time.Duration
	PasswordCost int
	Now          func() time.Time
}

// Service ties the auth components together for the HTTP layer.
type Service struct {
	users         UserDirectory
	hasher        *PasswordHasher
	authenticator *Authenticator
	issuer        *Issuer
	validator     *Validator
	refresh       *RefreshManager
	logger        *observability.Logger
	timeout       time.Duration
}

func NewService(users UserDirectory, tokens RefreshTokenStore, config TokenConfig, logger *observability.Logger, options ServiceOptions) (*Service, error) {
	if options.StoreTimeout <= 0 {
		options.StoreTimeout = defaultStoreTimeout
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	hasher := NewPasswordHasher(options.PasswordCost)

	authenticator, err := NewAuthenticator(users, hasher)
	if err != nil {
		return nil, err
	}
	authenticator.WithStoreTimeout(options.StoreTimeout)

	issuer, err := NewIssuer(config, tokens)
	if err != nil {
		return nil, err
	}
	issuer.WithStoreTimeout(options.StoreTimeout).WithClock(options.Now)

	validator, err := NewValidator(config)
	if err != nil {
		return nil, err
	}
	validator.WithClock(options.Now)

	s := &Service{
		users:         users,
		hasher:        hasher,
		authenticator: authenticator,
		issuer:        issuer,
		validator:     validator,
		logger:        logger,
		timeout:       options.StoreTimeout,
	}
	s.refresh = NewRefreshManager(tokens, users, issuer).
		WithStoreTimeout(options.StoreTimeout).
		WithClock(options.Now).
		WithReuseHook(s.reportReuse)

	return s, nil
}

func (s *Service) Validator() *Validator {
	return s.validator
}

func (s *Service) Login(ctx context.Context, username, password, callerIP string) (Tokens, error) {
	user, err := s.authenticator.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.logger.Warn("login_failed", map[string]any{"ip": callerIP})
		}
		return Tokens{}, err
	}

	tokens, err := s.issuer.Issue(ctx, user, callerIP)
	if err != nil {
		return Tokens{}, err
	}

	s.logger.Info("login_succeeded", map[string]any{"user_id": user.ID, "ip": callerIP})
	return tokens, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken, callerIP string) (Tokens, error) {
	return s.refresh.Rotate(ctx, refreshToken, callerIP)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.refresh.Revoke(ctx, refreshToken)
}

func (s *Service) Sessions(ctx context.Context, userID string) ([]RefreshToken, error) {
	return s.refresh.Sessions(ctx, userID)
}

func (s *Service) reportReuse(event ReuseEvent) {
	fields := map[string]any{
		"user_id":        event.UserID,
		"family_id":      event.FamilyID,
		"token_id":       event.TokenID,
		"ip":             event.CallerIP,
		"tokens_revoked": event.Revoked,
	}
	if event.RevokeErr != nil {
		fields["revoke_error"] = event.RevokeErr.Error()
	}

	s.logger.Error("refresh_token_reuse_detected", fields)
	observability.CaptureSecurityEvent("refresh_reuse", fields)
}

type NewUser struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions"`
}

func (s *Service) CreateUser(ctx context.Context, input NewUser) (User, error) {
	input.Username = NormalizeUsername(input.Username)
	if !usernameRegex.MatchString(input.Username) {
		return User{}, fmt.Errorf("%w: username format is invalid", ErrInvalidInput)
	}
	if len(input.Password) < minPasswordLength || len(input.Password) > maxPasswordLength {
		return User{}, fmt.Errorf("%w: password format is invalid", ErrInvalidInput)
	}
	if input.Role == "" {
		input.Role = RoleUser
	}
	if !input.Role.Valid() {
		return User{}, fmt.Errorf("%w: role is invalid", ErrInvalidInput)
	}

	permissions := make([]string, 0, len(input.Permissions))
	for _, permission := range input.Permissions {
		permission = strings.TrimSpace(permission)
		if !permissionRegex.MatchString(permission) {
			return User{}, fmt.Errorf("%w: permission %q is invalid", ErrInvalidInput, permission)
		}
		if !slices.Contains(permissions, permission) {
			permissions = append(permissions, permission)
		}
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return User{}, err
	}

	user := User{
		Username:     input.Username,
		PasswordHash: hash,
		Role:         input.Role,
		Permissions:  permissions,
	}

	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.users.CreateUser(ctx, user); err != nil {
		return User{}, storeError(ctx, err)
	}

	created, err := s.users.FindByUsername(ctx, user.Username)
	if err != nil {
		return User{}, storeError(ctx, err)
	}

	s.logger.Info("user_created", map[string]any{"user_id": created.ID, "role": string(created.Role)})
	return created, nil
}

// GrantPermission adds a permission to a user. Outstanding access tokens keep
// their snapshot; the change shows up from the next issuance.
func (s *Service) GrantPermission(ctx context.Context, username, permission string) error {
	return s.changePermission(ctx, username, permission, s.users.GrantPermission)
}

func (s *Service) RevokePermission(ctx context.Context, username, permission string) error {
	return s.changePermission(ctx, username, permission, s.users.RevokePermission)
}

func (s *Service) changePermission(
	ctx context.Context,
	username, permission string,
	apply func(ctx context.Context, userID, permission string) error,
) error {
	permission = strings.TrimSpace(permission)
	if !permissionRegex.MatchString(permission) {
		return fmt.Errorf("%w: permission is invalid", ErrInvalidInput)
	}

	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	user, err := s.users.FindByUsername(ctx, NormalizeUsername(username))
	if err != nil {
		return storeError(ctx, err)
	}

	if err := apply(ctx, user.ID, permission); err != nil {
		return storeError(ctx, err)
	}

	s.logger.Info("user_permissions_changed", map[string]any{"user_id": user.ID, "permission": permission})
	return nil
}

// BootstrapFromEnv makes sure an Admin account with every known permission
// exists. An existing account with that name is left untouched.
func (s *Service) BootstrapFromEnv(ctx context.Context, adminUsername, adminPassword string) error {
	adminUsername = NormalizeUsername(adminUsername)

	if adminUsername == "" && adminPassword == "" {
		return nil
	}
	if adminUsername == "" || adminPassword == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	_, err := s.CreateUser(ctx, NewUser{
		Username:    adminUsername,
		Password:    adminPassword,
		Role:        RoleAdmin,
		Permissions: AllPermissions(),
	})
	if errors.Is(err, ErrUserExists) {
		return nil
	}
	return err
}
