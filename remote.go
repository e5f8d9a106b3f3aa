package optcache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Fetcher queries the remote source for the current value of one key.
// May fail transiently; the cache retains its last-known value on error.
type Fetcher[V any] interface {
	Fetch(ctx context.Context, key Key) (V, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc[V any] func(ctx context.Context, key Key) (V, error)

func (f FetcherFunc[V]) Fetch(ctx context.Context, key Key) (V, error) { return f(ctx, key) }

// Operation describes one remote-state-changing operation and its local
// speculative effect.
type Operation[V any] struct {
	// Kind labels the operation for logs and notifications, e.g. "transfer".
	Kind string

	// Keys are the cache entries the operation touches. Speculation,
	// snapshotting and settlement cover exactly this set.
	Keys []Key

	// Apply computes the speculative post-operation value from the current
	// cached value. ok is false when the key holds no entry (cur is zero).
	Apply func(key Key, cur V, ok bool) V

	// Payload is opaque to the cache and handed to the Submitter unchanged.
	Payload any

	// SettleDelay overrides Options.SettleDelay for this operation when > 0.
	// Accommodates eventual-consistency lag in the remote source.
	SettleDelay time.Duration
}

// Receipt is the remote outcome of a submitted operation.
type Receipt[V any] struct {
	// Ref is the remote reference for the operation (e.g. a tx signature).
	Ref string

	// Provisional marks a success that still awaits final confirmation.
	Provisional bool

	// Values carries per-key confirmed values, when the remote returns them.
	// Honored only under ConfirmAccept.
	Values map[Key]V
}

// Submitter dispatches an operation to the remote source. An error return
// means the operation failed and its speculation must be rolled back.
type Submitter[V any] interface {
	Submit(ctx context.Context, op Operation[V]) (Receipt[V], error)
}

// SubmitterFunc adapts a function to the Submitter interface.
type SubmitterFunc[V any] func(ctx context.Context, op Operation[V]) (Receipt[V], error)

func (f SubmitterFunc[V]) Submit(ctx context.Context, op Operation[V]) (Receipt[V], error) {
	return f(ctx, op)
}

// Source opens push-feed streams. Open must fail synchronously when the
// remote registration cannot be established.
type Source interface {
	Open(ctx context.Context, key Key) (Stream, error)
}

// Stream is one live remote-feed registration. Updates is closed when the
// stream ends; Close must be safe to call more than once.
type Stream interface {
	Updates() <-chan []byte
	Close() error
}

// Notifier receives mutation state transitions. Fire-and-forget: the cache
// never acts on notification failures, so implementations must not block.
type Notifier interface {
	MutationPending(id uuid.UUID, kind string, keys []Key)
	MutationConfirmed(id uuid.UUID, kind string, keys []Key)
	MutationFailed(id uuid.UUID, kind string, keys []Key, cause error)
}

// NopNotifier is the default no-op.
type NopNotifier struct{}

func (NopNotifier) MutationPending(uuid.UUID, string, []Key)       {}
func (NopNotifier) MutationConfirmed(uuid.UUID, string, []Key)     {}
func (NopNotifier) MutationFailed(uuid.UUID, string, []Key, error) {}
