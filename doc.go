// Package optcache implements a provider-agnostic read-through cache for
// remote view state (balances, positions, per-key snapshots of an external
// system) with optimistic mutations and live push feeds.
//
// Reads always prefer a stale-but-present value over blocking: Get returns
// whatever the cache holds together with a staleness verdict and schedules a
// background refresh when needed. Writes that change remote state can be
// applied speculatively before the remote outcome is known; on failure every
// touched entry is restored byte-for-byte from its snapshot, on success the
// entry is re-fetched so the cache converges on ground truth rather than the
// local approximation.
//
// Components:
//   - Provider: byte store with TTL (e.g. Ristretto, BigCache, Redis).
//   - Codec[V]: (de)serializes V <-> []byte.
//   - revstore.Store: revision counter per logical key. Local (in-process)
//     by default, optional Redis implementation.
//   - Fetcher/Submitter/Source: the caller's remote query, submission and
//     push-feed endpoints. All are optional; the cache degrades to whatever
//     subset is wired.
//
// Keys:
//
//	view:<ns>:<kind>/<owner>[/<path>]  - entry records (wire-framed)
//
// Revision pattern (stale-fetch guard):
//
//	obs := rev.Current(k)  // before the remote fetch
//	v   := fetch(k)
//	write(k, v, obs)       // discarded if the key was re-invalidated meanwhile
package optcache
