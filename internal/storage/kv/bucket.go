// Package kv provides flow-scoped key-value buckets with SQLite persistence and in-memory options.
package kv

import "time"

// StoreOptions contains optional parameters for Store operations.
type StoreOptions struct {
	TTL time.Duration // zero means no expiry
}

// Bucket is the flow-scoped key/value store shared by the nodes of one flow.
//
// Values are opaque structured records (strings, numbers, booleans, maps and
// slices). Persistent buckets hand values back in their JSON-decoded form, so
// callers must not rely on concrete Go types surviving a round trip.
type Bucket interface {
	Name() string
	IsPersistent() bool

	// Store saves a value under key, replacing any previous value.
	Store(key string, value any, opts *StoreOptions) error

	// Get returns the value for key, or nil if it is missing or expired.
	Get(key string) (any, error)

	// Take returns the value for key and removes it in one step.
	// Two concurrent Takes of the same key never both observe the value.
	Take(key string) (any, error)

	Exists(key string) (bool, error)

	// Delete removes a key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// DeleteIf removes a key only when match accepts its current value.
	DeleteIf(key string, match func(value any) bool) (bool, error)

	// Keys returns the non-expired keys that start with prefix, sorted.
	Keys(prefix string) ([]string, error)

	Clear() error
}

func expiry(opts *StoreOptions, now time.Time) time.Time {
	if opts == nil || opts.TTL <= 0 {
		return time.Time{}
	}
	return now.Add(opts.TTL)
}
