// Package store defines the ephemeral TTL-keyed store shared by the auth
// components: OTP challenges, WebAuthn ceremony sessions, revocation markers
// and rate-limit counters all live here. The interface is injected everywhere
// instead of a package-level client so the security core can be exercised
// against the in-memory implementation.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store is a TTL-based key/value cache.
//
// Increment atomically increments a counter key and, when the key is created
// by the call, applies the TTL. The post-increment value is returned so
// callers can do increment-and-compare-threshold without a separate
// read/check/write, which would race under concurrent requests.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
