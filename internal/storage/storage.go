// Package storage is the object-store boundary. The orchestrator reads
// source documents and persists stage outputs here; nothing else.
package storage

import (
	"context"
	"time"
)

// ObjectStore abstracts the artifact backend.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// CleanupOlderThan removes temp/ artifacts older than maxAge and returns
	// how many were deleted.
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}
