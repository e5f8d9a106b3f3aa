// Package slognotify logs mutation state transitions via slog. Useful as a
// development notifier or as a base to fan out to a real user-facing surface.
package slognotify

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/optcache"
)

var _ optcache.Notifier = Notifier{}

type Notifier struct{ L *slog.Logger }

func (n Notifier) MutationPending(id uuid.UUID, kind string, keys []optcache.Key) {
	if n.L == nil {
		return
	}
	n.L.Info("optcache.mutation_pending", "id", id.String(), "kind", kind, "keys", len(keys))
}

func (n Notifier) MutationConfirmed(id uuid.UUID, kind string, keys []optcache.Key) {
	if n.L == nil {
		return
	}
	n.L.Info("optcache.mutation_confirmed", "id", id.String(), "kind", kind, "keys", len(keys))
}

func (n Notifier) MutationFailed(id uuid.UUID, kind string, keys []optcache.Key, cause error) {
	if n.L == nil {
		return
	}
	n.L.Warn("optcache.mutation_failed", "id", id.String(), "kind", kind, "keys", len(keys), "cause", cause)
}
