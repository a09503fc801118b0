// Package boltstore provides typed key-value storage for fleetd state:
// controller records and the network address map.
package boltstore

import (
	"context"

	"github.com/containerd/errdefs"
)

// Store provides type-safe key-value storage. Values are JSON encoded.
type Store[T any] interface {
	Get(ctx context.Context, key string) (*T, error)
	Set(ctx context.Context, key string, value *T) error
	Delete(ctx context.Context, key string) error
	// Scan visits every key with the given prefix in key order.
	Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error
	// Replace atomically swaps the whole content of the store for entries.
	Replace(ctx context.Context, entries map[string]*T) error
	Close() error
}

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errdefs.ErrNotFound
