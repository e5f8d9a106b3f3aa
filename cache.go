package optcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	cod "github.com/unkn0wn-root/optcache/codec"
	"github.com/unkn0wn-root/optcache/internal/wire"
	pr "github.com/unkn0wn-root/optcache/provider"
	"github.com/unkn0wn-root/optcache/revstore"
)

const (
	defaultRevRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

// frame is one link of a key's speculation chain. prior holds the exact
// provider bytes that preceded the speculative write (nil + priorOK=false
// when the entry was absent), so rollback is byte-for-byte.
type frame[V any] struct {
	m       *Mutation[V]
	prior   []byte
	priorOK bool
	failed  bool // terminal failure recorded; unwind deferred until exposed
}

type keyState[V any] struct {
	key      Key
	frames   []*frame[V] // speculation chain, oldest first
	watchers map[*Watch[V]]struct{}
	fetching bool
}

type delivery struct {
	key     Key
	sk      string
	payload []byte
}

type cache[V any] struct {
	ns       string
	provider pr.Provider
	codec    cod.Codec[V]
	log      Logger
	hooks    Hooks
	notifier Notifier

	fetcher   Fetcher[V]
	submitter Submitter[V]
	source    Source

	enabled bool

	staleAfter     time.Duration
	entryTTL       time.Duration
	settleDelay    time.Duration
	confirm        ConfirmPolicy
	watchBuf       int
	computeSetCost SetCostFunc

	rev revstore.Store
	sf  singleflight.Group

	// mu serializes every entry write (speculation, rollback, fetch landing,
	// feed delivery, direct set) and guards the per-key state map.
	mu     sync.Mutex
	states map[string]*keyState[V]
	feeds  map[string]*feedState
	closed bool

	subMu sync.Mutex // serializes feed open/release

	dispatchCh chan delivery
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("optcache: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("optcache: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("optcache: namespace is required")
	}

	c := &cache[V]{
		ns:        opts.Namespace,
		provider:  opts.Provider,
		codec:     opts.Codec,
		fetcher:   opts.Fetcher,
		submitter: opts.Submitter,
		source:    opts.Source,
		enabled:   !opts.Disabled,
		confirm:   opts.ConfirmPolicy,
		states:    make(map[string]*keyState[V]),
		feeds:     make(map[string]*feedState),
		stopCh:    make(chan struct{}),
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.notifier = coalesce[Notifier](opts.Notifier, NopNotifier{})
	c.staleAfter = coalesce(opts.StaleAfter, time.Minute)
	c.entryTTL = coalesce(opts.EntryTTL, 10*time.Minute)
	c.settleDelay = opts.SettleDelay
	c.watchBuf = coalesce(opts.WatchBuffer, 8)
	c.dispatchCh = make(chan delivery, coalesce(opts.FeedBuffer, 64))

	if opts.ComputeSetCost != nil {
		c.computeSetCost = opts.ComputeSetCost
	} else {
		c.computeSetCost = func(_ string, _ []byte, _ bool) int64 { return 1 }
	}

	if opts.Revisions != nil {
		c.rev = opts.Revisions
	} else {
		// default to in-process revisions with periodic cleanup
		c.rev = revstore.NewLocal(
			coalesce(opts.CleanupInterval, defaultSweep),
			coalesce(opts.RevRetention, defaultRevRetention),
		)
	}

	c.wg.Add(1)
	go c.dispatchLoop()
	return c, nil
}

func (c *cache[V]) Enabled() bool { return c.enabled }

func (c *cache[V]) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		streams := make([]Stream, 0, len(c.feeds))
		for _, fs := range c.feeds {
			streams = append(streams, fs.stream)
		}
		c.feeds = make(map[string]*feedState)
		for _, st := range c.states {
			for w := range st.watchers {
				delete(st.watchers, w)
				close(w.ch)
			}
		}
		c.mu.Unlock()

		for _, s := range streams {
			_ = s.Close()
		}
		close(c.stopCh)
		c.wg.Wait()

		if c.rev != nil {
			_ = c.rev.Close(ctx)
		}
		if c.provider != nil {
			err = c.provider.Close(ctx)
		}
	})
	return err
}

// Get never blocks on the remote source: it serves whatever is present
// (including stale or speculative values) and schedules a background refresh
// when the entry is absent or outdated.
func (c *cache[V]) Get(ctx context.Context, key Key) (Lookup[V], error) {
	var lk Lookup[V]
	if !c.enabled {
		return lk, nil
	}
	sk := c.storageKey(key)
	ent, ok, err := c.readEntry(ctx, sk)
	if err != nil {
		return lk, err
	}
	if !ok {
		lk.Pending = c.scheduleFetch(ctx, key, false)
		return lk, nil
	}
	v, err := c.codec.Decode(ent.Payload)
	if err != nil {
		_ = c.provider.Del(ctx, sk) // self-heal
		c.hooks.SelfHeal(sk, "value_decode")
		lk.Pending = c.scheduleFetch(ctx, key, false)
		return lk, nil
	}

	lk.Value = v
	lk.Found = true
	lk.Speculative = ent.Speculative()
	lk.FetchedAt = time.Unix(0, ent.FetchedAt)
	lk.Stale = ent.Rev != c.currentRev(sk) || time.Since(lk.FetchedAt) > c.staleAfter
	if lk.Stale {
		lk.Pending = c.scheduleFetch(ctx, key, false)
	}
	return lk, nil
}

// Fetch is the synchronous read-through: cached value if present, otherwise
// one coalesced remote fetch.
func (c *cache[V]) Fetch(ctx context.Context, key Key) (V, error) {
	var zero V
	if c.fetcher == nil {
		return zero, ErrNoFetcher
	}
	if !c.enabled {
		v, err := c.fetcher.Fetch(ctx, key)
		if err != nil {
			c.hooks.FetchFailed(key, err)
			return zero, &FetchError{Key: key, Err: err}
		}
		return v, nil
	}

	sk := c.storageKey(key)
	ent, ok, err := c.readEntry(ctx, sk)
	if err != nil {
		return zero, err
	}
	if ok {
		if v, derr := c.codec.Decode(ent.Payload); derr == nil {
			// stale-but-present beats blocking; the refresh runs behind
			if ent.Rev != c.currentRev(sk) || time.Since(time.Unix(0, ent.FetchedAt)) > c.staleAfter {
				c.scheduleFetch(ctx, key, false)
			}
			return v, nil
		}
		_ = c.provider.Del(ctx, sk)
		c.hooks.SelfHeal(sk, "value_decode")
	}
	return c.fetchNow(ctx, key, sk)
}

// Refresh forces a synchronous refetch regardless of what the cache holds.
func (c *cache[V]) Refresh(ctx context.Context, key Key) (V, error) {
	var zero V
	if c.fetcher == nil {
		return zero, ErrNoFetcher
	}
	if !c.enabled {
		v, err := c.fetcher.Fetch(ctx, key)
		if err != nil {
			c.hooks.FetchFailed(key, err)
			return zero, &FetchError{Key: key, Err: err}
		}
		return v, nil
	}
	return c.fetchNow(ctx, key, c.storageKey(key))
}

// Set is the unconditional authoritative overwrite, also used by feed
// deliveries and mutation settlement.
func (c *cache[V]) Set(ctx context.Context, key Key, value V) error {
	if !c.enabled {
		return nil
	}
	return c.writeAuthoritative(ctx, key, value, OriginSet, c.currentRev(c.storageKey(key)), false)
}

// Invalidate bumps the key's revision and schedules a non-blocking refetch.
// The present value stays servable (reading as stale) until the refresh
// lands.
func (c *cache[V]) Invalidate(ctx context.Context, key Key) error {
	if !c.enabled {
		return nil
	}
	sk := c.storageKey(key)
	newRev, err := c.rev.Bump(ctx, sk)
	if err != nil {
		c.hooks.RevisionError(sk, err)
		return fmt.Errorf("optcache: invalidate %q: %w", key.String(), err)
	}
	c.scheduleFetch(ctx, key, true)
	c.log.Debug("invalidated key (bumped rev, refresh scheduled)", Fields{"key": key.String(), "newRev": newRev})
	return nil
}

// InvalidateMatching invalidates every key the cache has seen that matches
// pred.
func (c *cache[V]) InvalidateMatching(ctx context.Context, pred Predicate) error {
	if !c.enabled {
		return nil
	}
	c.mu.Lock()
	var keys []Key
	for _, st := range c.states {
		if pred(st.key) {
			keys = append(keys, st.key)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := c.Invalidate(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Watch registers for broadcast-on-write on one key.
func (c *cache[V]) Watch(key Key) (*Watch[V], error) {
	sk := c.storageKey(key)
	w := &Watch[V]{key: key, ch: make(chan Update[V], c.watchBuf)}
	w.cancel = func(ww *Watch[V]) {
		c.mu.Lock()
		if st := c.states[sk]; st != nil {
			if _, ok := st.watchers[ww]; ok {
				delete(st.watchers, ww)
				close(ww.ch)
			}
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	st := c.stateLocked(sk, key)
	if st.watchers == nil {
		st.watchers = make(map[*Watch[V]]struct{})
	}
	st.watchers[w] = struct{}{}
	return w, nil
}

// ---- internals ----

func (c *cache[V]) storageKey(key Key) string {
	// isolate by namespace
	return "view:" + c.ns + ":" + key.String()
}

// caller holds c.mu
func (c *cache[V]) stateLocked(sk string, key Key) *keyState[V] {
	st := c.states[sk]
	if st == nil {
		st = &keyState[V]{key: key}
		c.states[sk] = st
	}
	return st
}

func (c *cache[V]) currentRev(sk string) uint64 {
	r, err := c.rev.Current(context.Background(), sk)
	if err != nil {
		// conservative: treat as 0; guarded fetch landings will skip
		c.hooks.RevisionError(sk, err)
		c.log.Warn("rev current error", Fields{"key": sk, "err": err})
		return 0
	}
	return r
}

// readEntry returns the decoded frame for sk, self-healing corrupt bytes.
func (c *cache[V]) readEntry(ctx context.Context, sk string) (wire.Entry, bool, error) {
	raw, ok, err := c.provider.Get(ctx, sk)
	if err != nil || !ok {
		return wire.Entry{}, false, err
	}
	ent, err := wire.Decode(raw)
	if err != nil {
		_ = c.provider.Del(ctx, sk) // self-heal corrupt
		c.hooks.SelfHeal(sk, "corrupt")
		return wire.Entry{}, false, nil
	}
	return ent, true, nil
}

// scheduleFetch starts at most one background refresh per key and reports
// whether a refresh is now scheduled or already in flight. Keys with a live
// speculation chain are skipped unless force is set: an automatic
// stale-refresh must not stomp an optimistic value, but an invalidation
// (confirmed mutation, explicit Invalidate) must.
func (c *cache[V]) scheduleFetch(ctx context.Context, key Key, force bool) bool {
	if c.fetcher == nil {
		return false
	}
	sk := c.storageKey(key)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	st := c.stateLocked(sk, key)
	if st.fetching {
		c.mu.Unlock()
		return true
	}
	if !force && len(st.frames) > 0 {
		c.mu.Unlock()
		return false
	}
	st.fetching = true
	c.wg.Add(1)
	c.mu.Unlock()

	// detached from the caller: the refresh outlives their interest
	bctx := context.WithoutCancel(ctx)
	go func() {
		defer c.wg.Done()
		if _, err := c.fetchNow(bctx, key, sk); err != nil {
			c.log.Debug("background refresh failed", Fields{"key": key.String(), "err": err})
		}
		c.mu.Lock()
		if st := c.states[sk]; st != nil {
			st.fetching = false
		}
		c.mu.Unlock()
	}()
	return true
}

// fetchNow performs one coalesced remote fetch and lands it under the
// revision guard: a fetch that observed an older revision is discarded.
func (c *cache[V]) fetchNow(ctx context.Context, key Key, sk string) (V, error) {
	res, err, _ := c.sf.Do(sk, func() (any, error) {
		obs := c.currentRev(sk) // observe before the remote call
		v, err := c.fetcher.Fetch(ctx, key)
		if err != nil {
			c.hooks.FetchFailed(key, err)
			return nil, &FetchError{Key: key, Err: err}
		}
		if werr := c.writeAuthoritative(ctx, key, v, OriginFetch, obs, true); werr != nil {
			c.log.Warn("fetched value not cached", Fields{"key": key.String(), "err": werr})
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// writeAuthoritative lands a confirmed value: it supersedes any speculation
// chain on the key, stores the framed record and broadcasts to watchers.
// With guard set the write is dropped when the key's revision moved past
// obs (stale-fetch guard).
func (c *cache[V]) writeAuthoritative(ctx context.Context, key Key, v V, origin Origin, obs uint64, guard bool) error {
	if !c.enabled {
		return nil
	}
	sk := c.storageKey(key)
	payload, err := c.codec.Encode(v)
	if err != nil {
		return err
	}
	raw := wire.Encode(wire.Entry{Rev: obs, FetchedAt: time.Now().UnixNano(), Payload: payload})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if guard {
		if cur := c.currentRev(sk); cur != obs {
			c.hooks.FetchDiscarded(key, obs)
			c.log.Debug("fetch discarded (rev moved)", Fields{"key": key.String(), "obs": obs})
			return nil
		}
	}
	st := c.stateLocked(sk, key)
	c.supersedeLocked(st, sk, key)
	if err := c.putRecordLocked(ctx, sk, raw, false); err != nil {
		return err
	}
	c.broadcastLocked(st, Update[V]{Key: key, Value: v, Origin: origin})
	return nil
}

// caller holds c.mu
func (c *cache[V]) putRecordLocked(ctx context.Context, sk string, raw []byte, speculative bool) error {
	ok, err := c.provider.Set(ctx, sk, raw, c.computeSetCost(sk, raw, speculative), c.entryTTL)
	if err != nil {
		return err
	}
	if !ok {
		c.hooks.ProviderSetRejected(sk, speculative)
		c.log.Debug("record rejected by provider (pressure)", Fields{"key": sk})
	}
	return nil
}

// supersedeLocked clears a key's speculation chain after an authoritative
// write: later settlements of the superseded mutations become no-ops for
// this key.
func (c *cache[V]) supersedeLocked(st *keyState[V], sk string, key Key) {
	n := len(st.frames)
	if n == 0 {
		return
	}
	for _, fr := range st.frames {
		delete(fr.m.frames, sk)
	}
	st.frames = nil
	c.hooks.SpeculationSuperseded(key, n)
	c.log.Debug("speculation superseded by authoritative write", Fields{"key": key.String(), "frames": n})
}

// caller holds c.mu
func (c *cache[V]) broadcastLocked(st *keyState[V], u Update[V]) {
	for w := range st.watchers {
		select {
		case w.ch <- u:
		default: // never block a writer on a slow watcher
			c.hooks.WatcherDropped(u.Key)
		}
	}
}

// restoreLocked rewrites the exact pre-speculation bytes for one frame.
func (c *cache[V]) restoreLocked(ctx context.Context, st *keyState[V], sk string, fr *frame[V]) error {
	if !fr.priorOK {
		if err := c.provider.Del(ctx, sk); err != nil {
			return err
		}
		var zero V
		c.broadcastLocked(st, Update[V]{Key: st.key, Value: zero, Origin: OriginRollback, Removed: true})
		return nil
	}
	ok, err := c.provider.Set(ctx, sk, fr.prior, c.computeSetCost(sk, fr.prior, false), c.entryTTL)
	if err != nil {
		return err
	}
	if !ok {
		c.hooks.ProviderSetRejected(sk, false)
	}
	if ent, derr := wire.Decode(fr.prior); derr == nil {
		if v, verr := c.codec.Decode(ent.Payload); verr == nil {
			c.broadcastLocked(st, Update[V]{Key: st.key, Value: v, Origin: OriginRollback})
		}
	}
	return nil
}

// goTracked runs f on a tracked goroutine unless the cache is closed.
func (c *cache[V]) goTracked(f func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		f()
	}()
	return true
}
