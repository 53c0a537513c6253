package core

import "context"

// Cache is a short-lived read cache. Entries expire after the configured TTL;
// Invalidate drops every entry at once and is called after each write.
type Cache interface {
	// Get decodes the cached value for key into dest and reports whether it was found.
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	Invalidate(ctx context.Context) error
}
