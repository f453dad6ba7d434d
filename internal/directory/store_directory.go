package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dreamware/padlink/internal/storage"
)

// StoreDirectory is a Directory over a local storage.Store. Values are
// stored JSON-encoded so the store can also be served by Handler.
type StoreDirectory struct {
	store storage.Store
}

// NewStoreDirectory wraps store.
func NewStoreDirectory(store storage.Store) *StoreDirectory {
	return &StoreDirectory{store: store}
}

func (d *StoreDirectory) Get(ctx context.Context, key string) (string, error) {
	raw, err := d.store.Get(ctx, key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: get %s: %w", ErrUnavailable, key, err)
	}
	if string(raw) == "null" {
		return "", ErrNotFound
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("%w: get %s: value is not a string", ErrUnavailable, key)
	}
	return value, nil
}

func (d *StoreDirectory) Set(ctx context.Context, key, value string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := d.store.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrUnavailable, key, err)
	}
	return nil
}
