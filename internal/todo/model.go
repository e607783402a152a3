package todo

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("todo not found")

const maxNameLength = 200

type Todo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsDone    bool      `json:"isDone"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type TodoInput struct {
	Name   string `json:"name"`
	IsDone bool   `json:"isDone"`
}

// Store is implemented by the Postgres Repository and MemoryRepository.
type Store interface {
	List(ctx context.Context) ([]Todo, error)
	Get(ctx context.Context, id string) (Todo, error)
	Create(ctx context.Context, input TodoInput) (Todo, error)
	Update(ctx context.Context, id string, input TodoInput) (Todo, error)
	Delete(ctx context.Context, id string) error
}
