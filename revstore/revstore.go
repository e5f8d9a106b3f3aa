package revstore

import (
	"context"
	"time"
)

// Store abstracts where per-key revisions live. A key's revision moves on
// every invalidation; a fetch that observed an older revision is discarded
// when it lands. Use Local (default) for in-process revisions, or Redis for
// multi-replica / restart persistence.
type Store interface {
	// Current returns the current revision; missing => 0.
	Current(ctx context.Context, storageKey string) (uint64, error)
	// CurrentMany returns revisions for many keys; missing => 0.
	CurrentMany(ctx context.Context, storageKeys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new revision.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
