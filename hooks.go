package optcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// An entry was deleted by the cache on read.
	// reason ∈ {"corrupt", "value_decode"}
	SelfHeal(storageKey, reason string)

	// Background or inline fetch failed; the last-known value is retained.
	FetchFailed(key Key, err error)

	// A completed fetch was discarded because the key was re-invalidated
	// while the fetch was in flight.
	FetchDiscarded(key Key, observedRev uint64)

	// A push-feed payload failed to decode; entry unchanged, feed continues.
	FeedDecodeError(key Key, err error)

	// A watcher's channel was full; the update was dropped for that watcher.
	WatcherDropped(key Key)

	// An authoritative write cleared a live speculation chain.
	SpeculationSuperseded(key Key, frames int)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string, speculative bool)

	// Revision store errors (current or bump).
	RevisionError(storageKey string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)          {}
func (NopHooks) FetchFailed(Key, error)           {}
func (NopHooks) FetchDiscarded(Key, uint64)       {}
func (NopHooks) FeedDecodeError(Key, error)       {}
func (NopHooks) WatcherDropped(Key)               {}
func (NopHooks) SpeculationSuperseded(Key, int)   {}
func (NopHooks) ProviderSetRejected(string, bool) {}
func (NopHooks) RevisionError(string, error)      {}
