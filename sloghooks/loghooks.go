package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/optcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery    uint64
	WatcherDropEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr    atomic.Uint64
	watcherDropCtr atomic.Uint64
}

var _ optcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("optcache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) FetchFailed(key optcache.Key, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("optcache.fetch_failed",
		"key", key.String(),
		"err", err)
}

func (h *Hooks) FetchDiscarded(key optcache.Key, rev uint64) {
	if h.l == nil {
		return
	}
	h.l.Debug("optcache.fetch_discarded",
		"key", key.String(),
		"observed_rev", rev)
}

func (h *Hooks) FeedDecodeError(key optcache.Key, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("optcache.feed_decode_error",
		"key", key.String(),
		"err", err)
}

func (h *Hooks) WatcherDropped(key optcache.Key) {
	if h.l == nil || !sample(h.opts.WatcherDropEvery, &h.watcherDropCtr) {
		return
	}
	h.l.Debug("optcache.watcher_dropped",
		"key", key.String())
}

func (h *Hooks) SpeculationSuperseded(key optcache.Key, frames int) {
	if h.l == nil {
		return
	}
	h.l.Debug("optcache.speculation_superseded",
		"key", key.String(),
		"frames", frames)
}

func (h *Hooks) ProviderSetRejected(storageKey string, speculative bool) {
	if h.l == nil {
		return
	}
	h.l.Warn("optcache.provider_set_rejected",
		"key", h.redact(storageKey),
		"speculative", speculative)
}

func (h *Hooks) RevisionError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("optcache.revision_error",
		"key", h.redact(storageKey),
		"err", err)
}
