package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Repository is the Postgres implementation of UserDirectory and
// RefreshTokenStore.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const selectUser = `
	SELECT u.id, u.username, u.password_hash, u.role, u.created_at, u.updated_at,
		string_agg(p.permission, ',' ORDER BY p.permission)
	FROM users u
	LEFT JOIN user_permissions p ON p.user_id = u.id
`

func (r *Repository) FindByUsername(ctx context.Context, username string) (User, error) {
	return r.findUser(ctx, selectUser+`WHERE u.username = $1 GROUP BY u.id`, username)
}

func (r *Repository) FindByID(ctx context.Context, id string) (User, error) {
	return r.findUser(ctx, selectUser+`WHERE u.id = $1 GROUP BY u.id`, id)
}

func (r *Repository) findUser(ctx context.Context, query string, arg string) (User, error) {
	var user User
	var role string
	var permissions sql.NullString
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Username, &user.PasswordHash, &role, &user.CreatedAt, &user.UpdatedAt, &permissions,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}

	user.Role = Role(role)
	user.Permissions = []string{}
	if permissions.Valid && permissions.String != "" {
		user.Permissions = strings.Split(permissions.String, ",")
	}

	return user, nil
}

func (r *Repository) CreateUser(ctx context.Context, user User) error {
	if user.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate uuid v7: %w", err)
		}
		user.ID = id.String()
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, user.ID, user.Username, user.PasswordHash, string(user.Role), now); err != nil {
		if isPgError(err, pgUniqueViolation) {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}

	for _, permission := range user.Permissions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_permissions (user_id, permission, granted_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, permission) DO NOTHING
		`, user.ID, permission, now); err != nil {
			return fmt.Errorf("insert user permission: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (r *Repository) GrantPermission(ctx context.Context, userID, permission string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_permissions (user_id, permission, granted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, permission) DO NOTHING
	`, userID, permission, time.Now().UTC())
	if err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return ErrUserNotFound
		}
		return fmt.Errorf("grant permission: %w", err)
	}

	return nil
}

func (r *Repository) RevokePermission(ctx context.Context, userID, permission string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM user_permissions
		WHERE user_id = $1 AND permission = $2
	`, userID, permission)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}

	return nil
}

func (r *Repository) AppendRefreshToken(ctx context.Context, token RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, family_id, token_hash, issued_at, expires_at, created_by_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, token.ID, token.UserID, token.FamilyID, token.TokenHash, token.IssuedAt.UTC(), token.ExpiresAt.UTC(), token.CreatedByIP)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

const selectRefreshToken = `
	SELECT id, user_id, family_id, token_hash, issued_at, expires_at, created_by_ip, revoked_at, replaced_by
	FROM auth_refresh_tokens
`

func (r *Repository) FindRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error) {
	token, err := scanRefreshToken(r.db.QueryRowContext(ctx, selectRefreshToken+`WHERE token_hash = $1`, tokenHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrRefreshNotFound
		}
		return RefreshToken{}, fmt.Errorf("read refresh token: %w", err)
	}

	return token, nil
}

func (r *Repository) RotateRefreshToken(ctx context.Context, oldHash string, next RefreshToken, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	var oldID string
	var expiresAt time.Time
	var revokedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT id, expires_at, revoked_at
		FROM auth_refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, oldHash).Scan(&oldID, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRefreshNotFound
		}
		return fmt.Errorf("read refresh token: %w", err)
	}

	if revokedAt.Valid {
		return ErrRefreshReused
	}
	if !now.Before(expiresAt.UTC()) {
		return ErrRefreshExpired
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, family_id, token_hash, issued_at, expires_at, created_by_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, next.ID, next.UserID, next.FamilyID, next.TokenHash, next.IssuedAt.UTC(), next.ExpiresAt.UTC(), next.CreatedByIP)
	if err != nil {
		return fmt.Errorf("insert rotated refresh token: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE id = $1
	`, oldID, now.UTC(), next.ID)
	if err != nil {
		return fmt.Errorf("revoke old refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	return nil
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE token_hash = $1
	`, tokenHash, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke refresh token rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRefreshNotFound
	}

	return nil
}

func (r *Repository) RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
	`, userID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) ListRefreshTokens(ctx context.Context, userID string) ([]RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx, selectRefreshToken+`WHERE user_id = $1 ORDER BY issued_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query refresh tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]RefreshToken, 0)
	for rows.Next() {
		token, err := scanRefreshToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		tokens = append(tokens, token)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}

	sort.SliceStable(tokens, func(i, j int) bool { return tokens[i].IssuedAt.Before(tokens[j].IssuedAt) })
	return tokens, nil
}

// PruneRefreshTokens deletes up to batchSize records that expired before
// cutoff. Revoked records stay until they expire so a replay is still seen as
// reuse rather than an unknown token.
func (r *Repository) PruneRefreshTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < $1
			ORDER BY issued_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRefreshToken(row rowScanner) (RefreshToken, error) {
	var token RefreshToken
	var revokedAt sql.NullTime
	var replacedBy sql.NullString
	if err := row.Scan(
		&token.ID, &token.UserID, &token.FamilyID, &token.TokenHash,
		&token.IssuedAt, &token.ExpiresAt, &token.CreatedByIP, &revokedAt, &replacedBy,
	); err != nil {
		return RefreshToken{}, err
	}

	token.IssuedAt = token.IssuedAt.UTC()
	token.ExpiresAt = token.ExpiresAt.UTC()
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		token.RevokedAt = &value
	}
	token.ReplacedBy = replacedBy.String

	return token, nil
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
