package optcache

import "sync"

// Origin says which flow produced an entry write.
type Origin uint8

const (
	OriginFetch Origin = iota + 1
	OriginSet
	OriginFeed
	OriginSpeculative
	OriginRollback
	OriginConfirm
)

func (o Origin) String() string {
	switch o {
	case OriginFetch:
		return "fetch"
	case OriginSet:
		return "set"
	case OriginFeed:
		return "feed"
	case OriginSpeculative:
		return "speculative"
	case OriginRollback:
		return "rollback"
	case OriginConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

// Update is one observed entry write. Removed is set when a rollback
// restored the key to "absent" (the entry was deleted); Value is zero then.
type Update[V any] struct {
	Key     Key
	Value   V
	Origin  Origin
	Removed bool
}

// Watch observes every write to one key without re-issuing reads. Slow
// watchers lose updates rather than block writers; Hooks.WatcherDropped
// fires per dropped update.
type Watch[V any] struct {
	key    Key
	ch     chan Update[V]
	cancel func(*Watch[V])
	once   sync.Once
}

func (w *Watch[V]) Key() Key { return w.key }

// Updates is closed when the watch or the cache is closed.
func (w *Watch[V]) Updates() <-chan Update[V] { return w.ch }

// Close detaches the watch. Idempotent.
func (w *Watch[V]) Close() {
	w.once.Do(func() { w.cancel(w) })
}
