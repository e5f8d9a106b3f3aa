package promhooks

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/unkn0wn-root/optcache"
)

func TestCountsByEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New(reg, "test")

	k := optcache.Key{Kind: "balance", Owner: "w1"}
	h.SelfHeal("view:balance:balance/w1", "corrupt")
	h.SelfHeal("view:balance:balance/w1", "value_decode")
	h.FetchFailed(k, errors.New("rpc down"))
	h.WatcherDropped(k)

	if got := testutil.ToFloat64(h.Collector().WithLabelValues("self_heal")); got != 2 {
		t.Fatalf("self_heal: got %v want 2", got)
	}
	if got := testutil.ToFloat64(h.Collector().WithLabelValues("fetch_failed")); got != 1 {
		t.Fatalf("fetch_failed: got %v want 1", got)
	}
	if got := testutil.ToFloat64(h.Collector().WithLabelValues("watcher_dropped")); got != 1 {
		t.Fatalf("watcher_dropped: got %v want 1", got)
	}
	if got := testutil.ToFloat64(h.Collector().WithLabelValues("feed_decode_error")); got != 0 {
		t.Fatalf("feed_decode_error: got %v want 0", got)
	}
}

func TestNilRegistererSkipsRegistration(t *testing.T) {
	h := New(nil, "test")
	h.RevisionError("k", errors.New("boom"))
	if got := testutil.ToFloat64(h.Collector().WithLabelValues("revision_error")); got != 1 {
		t.Fatalf("revision_error: got %v want 1", got)
	}
}
