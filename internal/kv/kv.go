// Package kv defines the durable key/value contract the event log and
// settings are written against, plus the backends paperd ships with.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("key not found")

// Store is an opaque durable key/value map.
type Store interface {
	// Ready blocks until the store is usable or the context is done.
	Ready(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}
