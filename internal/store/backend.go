// Package store is the key/value Ledger Store. Every record the engine owns
// (markets, orders, positions, balances) lives here as an opaque serialized
// value under a deterministic key.
package store

import (
	"context"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("store: backend closed")

// KV is one scanned entry.
type KV struct {
	Key   string
	Value []byte
}

// Mutation is a put (Value != nil) or a delete (Delete == true).
type Mutation struct {
	Key    string
	Value  []byte
	Delete bool
}

// Reader is the read side shared by backends and transactions.
type Reader interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Scan returns up to limit entries whose key starts with prefix and is
	// strictly greater than after, ordered by key.
	Scan(ctx context.Context, prefix, after string, limit int) ([]KV, error)
}

// Backend is a persistent key/value store. Apply is atomic: either every
// mutation lands or none does.
type Backend interface {
	Reader
	Apply(ctx context.Context, mutations []Mutation) error
	Ping(ctx context.Context) error
	Close()
}

// Locker is implemented by backends shared between processes. TryAcquire
// takes the ledger-wide settlement flag without blocking; ok is false when
// another holder has it.
type Locker interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}
