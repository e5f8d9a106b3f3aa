package optcache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubscribeDeliversPushUpdates(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	cc := newTestCache(t, "balance", newMemProvider(), func(o *Options[balance]) { o.Source = src })
	defer cc.Close(ctx)

	sub, err := cc.Subscribe(ctx, keyA)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	if sub.Key() != keyA {
		t.Fatalf("sub key=%v", sub.Key())
	}

	w, err := cc.Watch(keyA)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	src.push(keyA, []byte(`{"amount":55}`))

	waitUntil(t, time.Second, "push to land in the cache", func() bool {
		lk, _ := cc.Get(ctx, keyA)
		return lk.Found && lk.Value.Amount == 55
	})
	select {
	case u := <-w.Updates():
		if u.Origin != OriginFeed || u.Value.Amount != 55 {
			t.Fatalf("update=%+v want feed 55", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("no watcher update for the push")
	}
}

func TestSubscribeWithoutSource(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, "balance", newMemProvider(), nil)
	defer cc.Close(ctx)

	if _, err := cc.Subscribe(ctx, keyA); !errors.Is(err, ErrNoSource) {
		t.Fatalf("err=%v want ErrNoSource", err)
	}
}

func TestSubscribersShareOneRegistration(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	cc := newTestCache(t, "balance", newMemProvider(), func(o *Options[balance]) { o.Source = src })
	defer cc.Close(ctx)

	subs := make([]*Subscription, 0, 3)
	for i := 0; i < 3; i++ {
		sub, err := cc.Subscribe(ctx, keyA)
		if err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
		subs = append(subs, sub)
	}
	if n := src.openCount(); n != 1 {
		t.Fatalf("opens=%d want 1", n)
	}

	st := src.stream(keyA)
	subs[0].Close()
	subs[1].Close()
	if n := st.closeCount(); n != 0 {
		t.Fatalf("stream closed with a subscriber still attached (closes=%d)", n)
	}
	subs[2].Close()
	if n := st.closeCount(); n != 1 {
		t.Fatalf("closes=%d want 1", n)
	}

	// a fresh subscriber after full teardown re-registers
	sub, err := cc.Subscribe(ctx, keyA)
	if err != nil {
		t.Fatalf("Subscribe (re-open): %v", err)
	}
	defer sub.Close()
	if n := src.openCount(); n != 2 {
		t.Fatalf("opens=%d want 2", n)
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	cc := newTestCache(t, "balance", newMemProvider(), func(o *Options[balance]) { o.Source = src })
	defer cc.Close(ctx)

	a, err := cc.Subscribe(ctx, keyA)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b, err := cc.Subscribe(ctx, keyA)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// repeated closes of one handle release exactly one reference
	a.Close()
	a.Close()
	a.Close()

	st := src.stream(keyA)
	if n := st.closeCount(); n != 0 {
		t.Fatalf("redundant closes tore down a shared stream (closes=%d)", n)
	}
	b.Close()
	if n := st.closeCount(); n != 1 {
		t.Fatalf("closes=%d want 1", n)
	}
}

func TestDistinctKeysOpenDistinctStreams(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	cc := newTestCache(t, "balance", newMemProvider(), func(o *Options[balance]) { o.Source = src })
	defer cc.Close(ctx)

	subA, err := cc.Subscribe(ctx, keyA)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	defer subA.Close()
	subB, err := cc.Subscribe(ctx, keyB)
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}
	defer subB.Close()

	if n := src.openCount(); n != 2 {
		t.Fatalf("opens=%d want 2", n)
	}
}

func TestMalformedPushLeavesEntryUntouched(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	hooks := &recHooks{}
	cc := newTestCache(t, "balance", newMemProvider(), func(o *Options[balance]) {
		o.Source = src
		o.Hooks = hooks
	})
	defer cc.Close(ctx)

	if err := cc.Set(ctx, keyA, balance{Amount: 100}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	sub, err := cc.Subscribe(ctx, keyA)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	src.push(keyA, []byte("not json"))
	waitUntil(t, time.Second, "decode error hook", func() bool {
		_, _, _, decode, _, _ := hooks.snapshot()
		return decode == 1
	})
	if lk, _ := cc.Get(ctx, keyA); !lk.Found || lk.Value.Amount != 100 {
		t.Fatalf("entry disturbed by malformed push: %+v", lk)
	}

	// the feed survives one bad payload
	src.push(keyA, []byte(`{"amount":55}`))
	waitUntil(t, time.Second, "feed to keep delivering", func() bool {
		lk, _ := cc.Get(ctx, keyA)
		return lk.Value.Amount == 55
	})
}

func TestSubscribeRegistrationFailureIsSynchronous(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.fail = errors.New("ws refused")
	cc := newTestCache(t, "balance", newMemProvider(), func(o *Options[balance]) { o.Source = src })
	defer cc.Close(ctx)

	_, err := cc.Subscribe(ctx, keyA)
	var re *RegistrationError
	if !errors.As(err, &re) || re.Key != keyA {
		t.Fatalf("err=%v want RegistrationError for keyA", err)
	}
}

func TestSubscribeAfterCloseRejected(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	cc := newTestCache(t, "balance", newMemProvider(), func(o *Options[balance]) { o.Source = src })

	if err := cc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := cc.Subscribe(ctx, keyA); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
}

func TestCloseTearsDownLiveFeeds(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	cc := newTestCache(t, "balance", newMemProvider(), func(o *Options[balance]) { o.Source = src })

	if _, err := cc.Subscribe(ctx, keyA); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := cc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := src.stream(keyA).closeCount(); n != 1 {
		t.Fatalf("closes=%d want 1", n)
	}
}

func TestFeedWriteSupersedesSpeculation(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	hooks := &recHooks{}
	cc := newTestCache(t, "balance", newMemProvider(), func(o *Options[balance]) {
		o.Source = src
		o.Hooks = hooks
	})
	defer cc.Close(ctx)

	if err := cc.Set(ctx, keyA, balance{Amount: 100}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	sub, err := cc.Subscribe(ctx, keyA)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	m, err := cc.Begin(ctx, transferOp(30, keyA))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	src.push(keyA, []byte(`{"amount":200}`))
	waitUntil(t, time.Second, "push to supersede the speculation", func() bool {
		lk, _ := cc.Get(ctx, keyA)
		return lk.Found && !lk.Speculative && lk.Value.Amount == 200
	})
	if _, _, _, _, _, superseded := hooks.snapshot(); superseded != 1 {
		t.Fatalf("superseded=%d want 1", superseded)
	}

	// the mutation's frame is gone, so its failure is a no-op
	if err := m.Fail(ctx, errors.New("rejected")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if lk, _ := cc.Get(ctx, keyA); lk.Value.Amount != 200 {
		t.Fatalf("superseded rollback disturbed the entry: %+v", lk)
	}
}
