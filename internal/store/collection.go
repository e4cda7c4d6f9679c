package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"mealsync/internal/domain"
)

type identified interface {
	ItemID() string
}

// collection is one persisted JSON array. Mutations hold mu for the whole
// read-modify-write and go through KV.Update, so they are atomic both in
// process and against other writers of the backend.
type collection[T identified] struct {
	mu   sync.Mutex
	kv   domain.KV
	key  string
	name string
}

func newCollection[T identified](kv domain.KV, prefix, name string) *collection[T] {
	return &collection[T]{kv: kv, key: prefix + ":" + name, name: name}
}

func decode[T any](raw []byte) ([]T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *collection[T]) list(ctx context.Context) ([]T, error) {
	raw, err := c.kv.Get(ctx, c.key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.name, err)
	}
	items, err := decode[T](raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.name, err)
	}
	return items, nil
}

// mutate applies fn to the current items and persists the result. fn may be
// invoked more than once by optimistic backends and must not keep state
// between invocations except through values it resets on entry.
func (c *collection[T]) mutate(ctx context.Context, fn func(items []T) ([]T, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.kv.Update(ctx, c.key, func(current []byte) ([]byte, error) {
		items, err := decode[T](current)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.name, err)
		}
		next, err := fn(items)
		if err != nil {
			return nil, err
		}
		if next == nil {
			next = []T{}
		}
		return json.Marshal(next)
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", c.name, err)
	}
	return nil
}

// put appends item, or replaces the existing entry with the same id in place.
func (c *collection[T]) put(ctx context.Context, item T) error {
	return c.mutate(ctx, func(items []T) ([]T, error) {
		for i := range items {
			if items[i].ItemID() == item.ItemID() {
				items[i] = item
				return items, nil
			}
		}
		return append(items, item), nil
	})
}

func (c *collection[T]) remove(ctx context.Context, id string) (bool, error) {
	var found bool
	err := c.mutate(ctx, func(items []T) ([]T, error) {
		found = false
		out := items[:0]
		for _, it := range items {
			if it.ItemID() == id {
				found = true
				continue
			}
			out = append(out, it)
		}
		return out, nil
	})
	return found, err
}

// incrementRetry bumps the item's counter and removes it once the counter
// reaches max. The returned item is the state after the bump.
func (c *collection[T]) incrementRetry(ctx context.Context, id string, max int, bump func(*T) int) (item T, found, removed bool, err error) {
	err = c.mutate(ctx, func(items []T) ([]T, error) {
		var zero T
		item, found, removed = zero, false, false
		for i := range items {
			if items[i].ItemID() != id {
				continue
			}
			found = true
			n := bump(&items[i])
			item = items[i]
			if n >= max {
				removed = true
				return append(items[:i], items[i+1:]...), nil
			}
			return items, nil
		}
		return items, nil
	})
	return item, found, removed, err
}
