// Package storage provides the durable key-value storage the cart and session persist into.
//
// All backends are synchronous: a call returns only after the value is durable (or failed).
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/storefront-core/internal/config"
)

// Storage is a string key-value store scoped to one client session.
type Storage interface {
	// Get returns the value and whether the key exists.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	// Remove deletes key; removing an absent key is not an error.
	Remove(key string) error
	Close() error
}

// ErrUnknownBackend is returned by Open for an unsupported STORAGE_BACKEND value.
var ErrUnknownBackend = errors.New("unknown storage backend")

// Open builds the backend selected by cfg.StorageBackend.
func Open(ctx context.Context, cfg config.Config) (Storage, error) {
	switch cfg.StorageBackend {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "redis":
		r, err := NewRedis(cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		initCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := r.Initialize(initCtx); err != nil {
			_ = r.Close()
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.StorageBackend)
}
