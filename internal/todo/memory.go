package todo

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository backs the memory store mode and tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[string]Todo
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]Todo)}
}

// Seed adds the starter items shown on a fresh install.
func (r *MemoryRepository) Seed(ctx context.Context) error {
	for _, name := range []string{"Learn Minimal APIs", "Use In-Memory SQL"} {
		if _, err := r.Create(ctx, TodoInput{Name: name}); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]Todo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	todos := make([]Todo, 0, len(r.items))
	for _, t := range r.items {
		todos = append(todos, t)
	}
	slices.SortFunc(todos, func(a, b Todo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return todos, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Todo, error) {
	if err := ctx.Err(); err != nil {
		return Todo{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.items[id]
	if !ok {
		return Todo{}, ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepository) Create(ctx context.Context, input TodoInput) (Todo, error) {
	if err := ctx.Err(); err != nil {
		return Todo{}, err
	}

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

	r.mu.Lock()
	r.items[t.ID] = t
	r.mu.Unlock()

	return t, nil
}

func (r *MemoryRepository) Update(ctx context.Context, id string, input TodoInput) (Todo, error) {
	if err := ctx.Err(); err != nil {
		return Todo{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.items[id]
	if !ok {
		return Todo{}, ErrNotFound
	}
	t.Name = input.Name
	t.IsDone = input.IsDone
	t.UpdatedAt = time.Now().UTC()
	r.items[id] = t

	return t, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return ErrNotFound
	}
	delete(r.items, id)
	return nil
}
