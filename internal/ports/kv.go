package ports

import (
	"context"
	"time"
)

// KVStore is the abstract key-value store the gateway builds its session
// directory, identity cache, idempotency cache, rate limiter and node
// directory on top of. It intentionally exposes only the primitives the
// gateway's CAS-based ownership protocol and TTL bookkeeping need; it is
// not a general repository interface.
type KVStore interface {
	// Get returns the value and true, or ("", false) if the key is absent
	// or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value under key with the given TTL. A zero TTL means no
	// expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes value under key only if it does not already exist,
	// returning true if the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer stored at key (creating it at
	// 0 first) and returns the new value. If ttl is non-zero and the key
	// did not already exist, the new key is given that TTL.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// CompareAndSwap runs an atomic check-and-set: if the value currently
	// stored at key equals oldValue (or the key is absent and oldValue is
	// ""), it is replaced with newValue and the TTL is (re)applied, and ok
	// is true. Otherwise the current value is returned unmodified with
	// ok false. This backs the session directory's ownership takeover
	// protocol (see internal/gateway/session).
	CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (current string, ok bool, err error)

	Ping(ctx context.Context) error
	Close() error
}
