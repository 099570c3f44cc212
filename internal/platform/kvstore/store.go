// Package kvstore is the durable key/value store behind the contingency
// outbox, tracking bookkeeping and invoice records.
//
// Values are opaque JSON documents. Backends: memory, file, redis, postgres;
// Open picks one from a DSN.
package kvstore

import (
	"context"
	"strings"
)

// Store is the persistence port. Get returns sentinel.ErrNotFound for a
// missing key. Keys returns the sorted keys that start with prefix.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func validKey(key string) bool {
	return strings.TrimSpace(key) != ""
}
