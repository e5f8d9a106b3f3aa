// Package promhooks exposes optcache hook events as Prometheus counters.
//
//	reg := prometheus.NewRegistry()
//	hooks := promhooks.New(reg, "myapp")
//	cache, _ := optcache.New[Balance](optcache.Options[Balance]{..., Hooks: hooks})
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/optcache"
)

type Hooks struct {
	events *prometheus.CounterVec
}

var _ optcache.Hooks = (*Hooks)(nil)

// New registers the event counter on reg (pass nil to leave registration to
// the caller) and returns the hook set. namespace is the Prometheus metric
// namespace, typically the application name.
func New(reg prometheus.Registerer, namespace string) *Hooks {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "optcache",
		Name:      "events_total",
		Help:      "Total optcache hook events by kind",
	}, []string{"event"})
	if reg != nil {
		reg.MustRegister(events)
	}
	return &Hooks{events: events}
}

// Collector returns the underlying counter vec for manual registration.
func (h *Hooks) Collector() *prometheus.CounterVec { return h.events }

func (h *Hooks) SelfHeal(_, _ string) { h.events.WithLabelValues("self_heal").Inc() }

func (h *Hooks) FetchFailed(optcache.Key, error) { h.events.WithLabelValues("fetch_failed").Inc() }

func (h *Hooks) FetchDiscarded(optcache.Key, uint64) {
	h.events.WithLabelValues("fetch_discarded").Inc()
}

func (h *Hooks) FeedDecodeError(optcache.Key, error) {
	h.events.WithLabelValues("feed_decode_error").Inc()
}

func (h *Hooks) WatcherDropped(optcache.Key) { h.events.WithLabelValues("watcher_dropped").Inc() }

func (h *Hooks) SpeculationSuperseded(optcache.Key, int) {
	h.events.WithLabelValues("speculation_superseded").Inc()
}

func (h *Hooks) ProviderSetRejected(string, bool) {
	h.events.WithLabelValues("provider_set_rejected").Inc()
}

func (h *Hooks) RevisionError(string, error) { h.events.WithLabelValues("revision_error").Inc() }
