// Package persist provides the durable key/value storage used to keep the
// session token across process restarts.
package persist

import (
	"context"
	"errors"
)

// DefaultTokenKey is the storage key used for the session token unless the
// configuration overrides it.
const DefaultTokenKey = "session_token"

// ErrClosed is returned by stores after Close has been called.
var ErrClosed = errors.New("token store is closed")

// TokenStore defines the interface for token storage backends. Semantics are
// last-write-wins; no ordering or transactional guarantees are required
// because all writes flow through the session store's single acquisition
// path or its logout/revocation path.
type TokenStore interface {
	// Get retrieves the value for a key. The second return value reports
	// whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores a value under a key, overwriting any previous value.
	Set(ctx context.Context, key string, value string) error

	// Remove deletes a key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
