package todo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) List(ctx context.Context) ([]Todo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, is_done, created_at, updated_at
		FROM todos
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query todos: %w", err)
	}
	defer rows.Close()

	todos := make([]Todo, 0)
	for rows.Next() {
		var t Todo
		if err := rows.Scan(&t.ID, &t.Name, &t.IsDone, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		todos = append(todos, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate todos: %w", err)
	}

	return todos, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Todo, error) {
	var t Todo
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, is_done, created_at, updated_at
		FROM todos
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.IsDone, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Todo{}, ErrNotFound
		}
		return Todo{}, fmt.Errorf("get todo: %w", err)
	}

	return t, nil
}

func (r *Repository) Create(ctx context.Context, input TodoInput) (Todo, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Todo{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	t := Todo{
		ID:        id.String(),
		Name:      input.Name,
		IsDone:    input.IsDone,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO todos (id, name, is_done, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, t.ID, t.Name, t.IsDone, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return Todo{}, fmt.Errorf("insert todo: %w", err)
	}

	return t, nil
}

func (r *Repository) Update(ctx context.Context, id string, input TodoInput) (Todo, error) {
	var t Todo

	err := r.db.QueryRowContext(ctx, `
		UPDATE todos
		SET name = $2, is_done = $3, updated_at = $4
		WHERE id = $1
		RETURNING id, name, is_done, created_at, updated_at
	`, id, input.Name, input.IsDone, time.Now().UTC()).
		Scan(&t.ID, &t.Name, &t.IsDone, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Todo{}, ErrNotFound
		}
		return Todo{}, fmt.Errorf("update todo: %w", err)
	}

	return t, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM todos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete todo: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}
