package optcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/optcache/internal/wire"
)

// MutationState is the per-mutation state machine:
// pending (speculative-applied) -> confirmed | rolled-back.
type MutationState uint8

const (
	MutationPending MutationState = iota + 1
	MutationConfirmed
	MutationRolledBack
)

func (s MutationState) String() string {
	switch s {
	case MutationPending:
		return "pending"
	case MutationConfirmed:
		return "confirmed"
	case MutationRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// Mutation is one submitted remote-state-changing operation with its
// speculative writes applied. Settlement (Confirm or Fail) is terminal and
// idempotent; repeated calls after the first are no-ops.
type Mutation[V any] struct {
	id uuid.UUID
	c  *cache[V]
	op Operation[V]

	// guarded by c.mu
	state  MutationState
	frames map[string]*frame[V] // live frames by storage key
}

func (m *Mutation[V]) ID() uuid.UUID { return m.id }
func (m *Mutation[V]) Kind() string  { return m.op.Kind }
func (m *Mutation[V]) Keys() []Key   { return m.op.Keys }

func (m *Mutation[V]) State() MutationState {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	return m.state
}

// Begin applies the operation's transform speculatively to every target key
// and snapshots the prior bytes atomically with each write. The speculation
// of a later overlapping mutation chains on the current (possibly already
// speculative) value, so rollbacks undo exactly their own delta.
func (c *cache[V]) Begin(ctx context.Context, op Operation[V]) (*Mutation[V], error) {
	if len(op.Keys) == 0 {
		return nil, errors.New("optcache: operation has no target keys")
	}
	if op.Apply == nil {
		return nil, errors.New("optcache: operation has no transform")
	}

	// collapse repeated keys: one frame per storage key, transform applied
	// once. Settlement iterates the deduped set.
	seen := make(map[string]struct{}, len(op.Keys))
	keys := make([]Key, 0, len(op.Keys))
	sks := make([]string, 0, len(op.Keys))
	for _, k := range op.Keys {
		sk := c.storageKey(k)
		if _, dup := seen[sk]; dup {
			continue
		}
		seen[sk] = struct{}{}
		keys = append(keys, k)
		sks = append(sks, sk)
	}
	op.Keys = keys

	m := &Mutation[V]{
		id:     uuid.New(),
		c:      c,
		op:     op,
		state:  MutationPending,
		frames: make(map[string]*frame[V], len(op.Keys)),
	}
	if !c.enabled {
		c.notifier.MutationPending(m.id, op.Kind, op.Keys)
		return m, nil
	}
	revs, err := c.rev.CurrentMany(ctx, sks)
	if err != nil {
		// conservative: frame at rev 0; entries read stale until refreshed
		c.hooks.RevisionError(sks[0], err)
		c.log.Warn("rev snapshot error at begin", Fields{"id": m.id.String(), "err": err})
		revs = make(map[string]uint64, len(sks))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	for i, key := range op.Keys {
		sk := sks[i]
		st := c.stateLocked(sk, key)

		raw, ok, gerr := c.provider.Get(ctx, sk)
		if gerr != nil {
			c.unwindPartialLocked(ctx, m, sks[:i])
			c.mu.Unlock()
			return nil, fmt.Errorf("optcache: begin %s: snapshot %q: %w", m.id, key.String(), gerr)
		}

		var cur V
		curOK := false
		fetchedAt := time.Now().UnixNano()
		if ok {
			if ent, derr := wire.Decode(raw); derr == nil {
				if v, verr := c.codec.Decode(ent.Payload); verr == nil {
					cur, curOK = v, true
					fetchedAt = ent.FetchedAt
				}
			}
			if !curOK {
				_ = c.provider.Del(ctx, sk) // self-heal; treat as absent
				c.hooks.SelfHeal(sk, "corrupt")
				raw, ok = nil, false
			}
		}

		next := op.Apply(key, cur, curOK)
		payload, perr := c.codec.Encode(next)
		if perr != nil {
			c.unwindPartialLocked(ctx, m, sks[:i])
			c.mu.Unlock()
			return nil, perr
		}
		rec := wire.Encode(wire.Entry{
			Rev:       revs[sk],
			FetchedAt: fetchedAt,
			Flags:     wire.FlagSpeculative,
			Payload:   payload,
		})
		if serr := c.putRecordLocked(ctx, sk, rec, true); serr != nil {
			c.unwindPartialLocked(ctx, m, sks[:i])
			c.mu.Unlock()
			return nil, serr
		}

		fr := &frame[V]{m: m, prior: raw, priorOK: ok}
		st.frames = append(st.frames, fr)
		m.frames[sk] = fr
		c.broadcastLocked(st, Update[V]{Key: key, Value: next, Origin: OriginSpeculative})
	}
	c.mu.Unlock()

	c.notifier.MutationPending(m.id, op.Kind, op.Keys)
	c.log.Debug("mutation speculative-applied", Fields{"id": m.id.String(), "kind": op.Kind, "keys": len(op.Keys)})
	return m, nil
}

// unwindPartialLocked undoes the frames a half-finished Begin already
// applied. The lock was held throughout, so every frame is still on top.
func (c *cache[V]) unwindPartialLocked(ctx context.Context, m *Mutation[V], sks []string) {
	for i := len(sks) - 1; i >= 0; i-- {
		sk := sks[i]
		fr := m.frames[sk]
		if fr == nil {
			continue
		}
		st := c.states[sk]
		if n := len(st.frames); n > 0 && st.frames[n-1] == fr {
			st.frames = st.frames[:n-1]
		}
		delete(m.frames, sk)
		_ = c.restoreLocked(ctx, st, sk, fr)
	}
}

// Confirm settles the mutation as succeeded. After the settle delay the
// targets are invalidated so the next value is ground truth - the
// speculative transform is an approximation. Under ConfirmAccept,
// receipt-confirmed values are written authoritatively instead. Blocks
// through the settle delay; Run drives this on a background goroutine.
func (m *Mutation[V]) Confirm(ctx context.Context, rcpt Receipt[V]) error {
	c := m.c
	// settlement must complete even when the caller walked away
	ctx = context.WithoutCancel(ctx)

	var errs []error
	c.mu.Lock()
	if m.state != MutationPending {
		c.mu.Unlock()
		return nil
	}
	m.state = MutationConfirmed
	// the confirmed delta is real now: drop its frames so the chain does not
	// keep suppressing automatic refreshes if the forced refetch below fails
	for sk, fr := range m.frames {
		if st := c.states[sk]; st != nil {
			for i, f := range st.frames {
				if f == fr {
					st.frames = append(st.frames[:i], st.frames[i+1:]...)
					break
				}
			}
			c.unwindFailedLocked(ctx, st, sk, &errs)
		}
		delete(m.frames, sk)
	}
	c.mu.Unlock()

	c.notifier.MutationConfirmed(m.id, m.op.Kind, m.op.Keys)

	if delay := coalesce(m.op.SettleDelay, c.settleDelay); delay > 0 {
		// remote read views may lag the accepted write
		time.Sleep(delay)
	}
	for _, key := range m.op.Keys {
		if c.confirm == ConfirmAccept {
			if v, ok := rcpt.Values[key]; ok {
				sk := c.storageKey(key)
				if err := c.writeAuthoritative(ctx, key, v, OriginConfirm, c.currentRev(sk), false); err != nil {
					errs = append(errs, err)
				}
				continue
			}
		}
		if err := c.Invalidate(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	c.log.Debug("mutation confirmed", Fields{"id": m.id.String(), "kind": m.op.Kind})
	return errors.Join(errs...)
}

// Fail settles the mutation as failed and rolls every target back to its
// exact snapshot. A frame buried under a later mutation's speculation is
// unwound when the frames above it settle (reverse completion order); a
// frame superseded by an authoritative write is a no-op.
func (m *Mutation[V]) Fail(ctx context.Context, cause error) error {
	c := m.c
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	if m.state != MutationPending {
		c.mu.Unlock()
		return nil
	}
	m.state = MutationRolledBack

	var errs []error
	for i := len(m.op.Keys) - 1; i >= 0; i-- {
		sk := c.storageKey(m.op.Keys[i])
		fr := m.frames[sk]
		if fr == nil {
			continue // superseded
		}
		st := c.states[sk]
		if n := len(st.frames); n > 0 && st.frames[n-1] == fr {
			st.frames = st.frames[:n-1]
			delete(m.frames, sk)
			if err := c.restoreLocked(ctx, st, sk, fr); err != nil {
				errs = append(errs, err)
			}
			c.unwindFailedLocked(ctx, st, sk, &errs)
		} else {
			fr.failed = true // deferred until the chain above settles
		}
	}
	c.mu.Unlock()

	c.notifier.MutationFailed(m.id, m.op.Kind, m.op.Keys, cause)
	c.log.Debug("mutation rolled back", Fields{"id": m.id.String(), "kind": m.op.Kind, "cause": cause})
	if len(errs) > 0 {
		return &RollbackError{ID: m.id, Errs: errs}
	}
	return nil
}

// unwindFailedLocked pops deferred-failed frames newly exposed at the top
// of a key's chain.
func (c *cache[V]) unwindFailedLocked(ctx context.Context, st *keyState[V], sk string, errs *[]error) {
	for n := len(st.frames); n > 0; n = len(st.frames) {
		fr := st.frames[n-1]
		if !fr.failed {
			return
		}
		st.frames = st.frames[:n-1]
		delete(fr.m.frames, sk)
		if err := c.restoreLocked(ctx, st, sk, fr); err != nil {
			*errs = append(*errs, err)
		}
	}
}

// Run drives the full lifecycle: speculative apply, submit, settle. If the
// caller's context ends first, Run returns early but settlement still
// completes in the background - no entry is left permanently speculative.
func (c *cache[V]) Run(ctx context.Context, op Operation[V]) (Receipt[V], error) {
	if c.submitter == nil {
		return Receipt[V]{}, ErrNoSubmitter
	}
	m, err := c.Begin(ctx, op)
	if err != nil {
		return Receipt[V]{}, err
	}

	rcpt, err := c.submitter.Submit(ctx, op)
	if err != nil {
		if rerr := m.Fail(ctx, err); rerr != nil {
			c.log.Error("rollback after failed submit", Fields{"id": m.id.String(), "err": rerr})
		}
		return Receipt[V]{}, &SubmitError{ID: m.id, Kind: op.Kind, Err: err}
	}

	done := make(chan struct{})
	if !c.goTracked(func() {
		defer close(done)
		if serr := m.Confirm(ctx, rcpt); serr != nil {
			c.log.Warn("confirm settlement incomplete", Fields{"id": m.id.String(), "err": serr})
		}
	}) {
		return rcpt, ErrClosed
	}

	select {
	case <-done:
		return rcpt, nil
	case <-ctx.Done():
		return rcpt, ctx.Err()
	}
}
