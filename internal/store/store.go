// Package store is the durable mirror of the registry's in-memory state.
// The registry never branches on whether durability is configured: it talks
// to the Store interface, and the daemon injects either the Redis-backed
// implementation or the in-memory one (degraded mode, no durability).
package store

import "context"

type Store interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	// Scan returns every key/value whose key starts with prefix.
	Scan(ctx context.Context, prefix string) (map[string]string, error)
	Delete(ctx context.Context, key string) error

	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key, field string) error
}
