package optcache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/optcache/codec"
	pr "github.com/unkn0wn-root/optcache/provider"
	rev "github.com/unkn0wn-root/optcache/revstore"
)

type SetCostFunc func(storageKey string, raw []byte, speculative bool) int64

// ConfirmPolicy decides what happens to target entries when a mutation
// confirms.
type ConfirmPolicy uint8

const (
	// ConfirmRefetch invalidates every target so the next value comes from
	// the remote source. Default. Speculative values are approximations
	// (fees, slippage, partial fills), so confirmation forces ground truth
	// even when the receipt carries values.
	ConfirmRefetch ConfirmPolicy = iota

	// ConfirmAccept writes receipt-confirmed values authoritatively and only
	// refetches targets the receipt did not cover.
	ConfirmAccept
)

// View is interchangeable with Cache: optcache.View[Balance] or
// optcache.Cache[Balance]. (Written as an embedding interface rather than a
// generic alias so the package builds on Go toolchains before 1.24.)
type View[V any] interface{ Cache[V] }

// Cache is the high-level, provider-agnostic view cache with optimistic
// mutations. V is the caller's value type. Serialization is handled by a
// pluggable Codec[V].
type Cache[V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Reads
	Get(ctx context.Context, key Key) (Lookup[V], error)
	Fetch(ctx context.Context, key Key) (V, error)
	Refresh(ctx context.Context, key Key) (V, error)

	// Authoritative writes / invalidation
	Set(ctx context.Context, key Key, value V) error
	Invalidate(ctx context.Context, key Key) error
	InvalidateMatching(ctx context.Context, pred Predicate) error

	// Broadcast-on-write
	Watch(key Key) (*Watch[V], error)

	// Optimistic mutations
	Begin(ctx context.Context, op Operation[V]) (*Mutation[V], error)
	Run(ctx context.Context, op Operation[V]) (Receipt[V], error)

	// Push feeds
	Subscribe(ctx context.Context, key Key) (*Subscription, error)
}

// Lookup is the result of a non-blocking read. Found reports whether any
// value was present; the caller decides what to do with a stale one.
type Lookup[V any] struct {
	Value V
	Found bool

	// Stale is set when the entry outlived its staleness window or was
	// invalidated since it was written. Stale values are still servable.
	Stale bool

	// Speculative is set while the value is an unconfirmed optimistic write.
	Speculative bool

	// Pending is set when a background fetch for this key was scheduled or
	// is already in flight.
	Pending bool

	// FetchedAt is the time of the last successful authoritative write.
	FetchedAt time.Time
}

// Options tune the behavior of the generic view cache.
// Only Namespace, Provider and Codec are required; others have defaults.
type Options[V any] struct {
	// Required
	Namespace string // logical namespace to avoid collisions, e.g. "balance", "round"
	Provider  pr.Provider
	Codec     c.Codec[V]

	// Remote collaborators. All optional: without a Fetcher reads are
	// cache-only, without a Submitter Run is unavailable, without a Source
	// Subscribe is unavailable.
	Fetcher   Fetcher[V]
	Submitter Submitter[V]
	Source    Source
	Notifier  Notifier // if nil, NopNotifier

	Logger Logger // if nil, NopLogger
	Hooks  Hooks  // if nil, NopHooks

	StaleAfter  time.Duration // age after which entries read as stale; 0 => 1m
	EntryTTL    time.Duration // provider TTL for entries; 0 => 10m
	SettleDelay time.Duration // wait before the confirming invalidation; 0 => none

	ConfirmPolicy ConfirmPolicy // default ConfirmRefetch
	WatchBuffer   int           // per-watcher channel depth; 0 => 8
	FeedBuffer    int           // dispatcher queue depth; 0 => 64

	Revisions       rev.Store     // nil => revstore.NewLocal (in-process)
	CleanupInterval time.Duration // local revstore sweep; 0 => 1h
	RevRetention    time.Duration // local revstore retention; 0 => 30d

	ComputeSetCost SetCostFunc // default 1
	Disabled       bool        // default false (enabled)
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
