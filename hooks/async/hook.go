// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/optcache"
//	"github.com/unkn0wn-root/optcache/hooks/async"
//	"github.com/unkn0wn-root/optcache/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery:    10, // sample logs: ~every 10th self-heal
//	    WatcherDropEvery: 50,
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	cache, _ := optcache.New[Balance](optcache.Options[Balance]{
//	    Namespace: "balance",
//	    Provider:  provider,
//	    Codec:     codec.JSON[Balance]{},
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/optcache"
)

type Hooks struct {
	inner optcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ optcache.Hooks = (*Hooks)(nil)

func New(inner optcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) SelfHeal(k, r string) { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) FetchFailed(k optcache.Key, err error) {
	h.try(func() { h.inner.FetchFailed(k, err) })
}
func (h *Hooks) FetchDiscarded(k optcache.Key, rev uint64) {
	h.try(func() { h.inner.FetchDiscarded(k, rev) })
}
func (h *Hooks) FeedDecodeError(k optcache.Key, err error) {
	h.try(func() { h.inner.FeedDecodeError(k, err) })
}
func (h *Hooks) WatcherDropped(k optcache.Key) { h.try(func() { h.inner.WatcherDropped(k) }) }
func (h *Hooks) SpeculationSuperseded(k optcache.Key, n int) {
	h.try(func() { h.inner.SpeculationSuperseded(k, n) })
}
func (h *Hooks) ProviderSetRejected(k string, speculative bool) {
	h.try(func() { h.inner.ProviderSetRejected(k, speculative) })
}
func (h *Hooks) RevisionError(k string, err error) {
	h.try(func() { h.inner.RevisionError(k, err) })
}
