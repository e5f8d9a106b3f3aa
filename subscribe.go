package optcache

import (
	"context"
	"sync"
)

// feedState is one live remote-feed registration; refs counts logical
// subscribers. refs is guarded by cache.subMu.
type feedState struct {
	stream Stream
	refs   int
}

// Subscription is one logical subscriber's handle on a key's push feed.
// Close is idempotent: the underlying registration is torn down exactly
// once, when the last subscriber releases.
type Subscription struct {
	key     Key
	release func()
	once    sync.Once
}

func (s *Subscription) Key() Key { return s.key }

func (s *Subscription) Close() { s.once.Do(s.release) }

// Subscribe opens (or joins) the push feed for key. Reference-counted: M
// subscribers share one remote registration. Registration failures surface
// here, synchronously; a polling fallback is the caller's choice.
func (c *cache[V]) Subscribe(ctx context.Context, key Key) (*Subscription, error) {
	if c.source == nil {
		return nil, ErrNoSource
	}
	sk := c.storageKey(key)

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	fs := c.feeds[sk]
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if fs == nil {
		stream, err := c.source.Open(ctx, key)
		if err != nil {
			return nil, &RegistrationError{Key: key, Err: err}
		}
		fs = &feedState{stream: stream}
		if !c.goTracked(func() { c.pump(key, sk, stream) }) {
			_ = stream.Close()
			return nil, ErrClosed
		}
		c.mu.Lock()
		c.feeds[sk] = fs
		c.mu.Unlock()
		c.log.Debug("feed opened", Fields{"key": key.String()})
	}
	fs.refs++

	return &Subscription{key: key, release: func() { c.releaseFeed(key, sk) }}, nil
}

func (c *cache[V]) releaseFeed(key Key, sk string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	fs := c.feeds[sk]
	c.mu.Unlock()
	if fs == nil {
		return // cache closed; stream already torn down
	}
	fs.refs--
	if fs.refs > 0 {
		return
	}

	c.mu.Lock()
	delete(c.feeds, sk)
	c.mu.Unlock()
	_ = fs.stream.Close()
	c.log.Debug("feed closed (last subscriber released)", Fields{"key": key.String()})
}

// pump forwards one stream's payloads into the dispatcher queue.
func (c *cache[V]) pump(key Key, sk string, s Stream) {
	for payload := range s.Updates() {
		select {
		case c.dispatchCh <- delivery{key: key, sk: sk, payload: payload}:
		case <-c.stopCh:
			return
		}
	}
}

// dispatchLoop serializes all feed deliveries into the store through a
// single goroutine.
func (c *cache[V]) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case d := <-c.dispatchCh:
			c.applyDelivery(d)
		case <-c.stopCh:
			return
		}
	}
}

// applyDelivery decodes one push payload and lands it as an authoritative
// write. A malformed payload is swallowed with a diagnostic - one bad push
// must not end the feed.
func (c *cache[V]) applyDelivery(d delivery) {
	v, err := c.codec.Decode(d.payload)
	if err != nil {
		c.hooks.FeedDecodeError(d.key, err)
		c.log.Warn("feed payload decode failed; entry unchanged", Fields{"key": d.key.String(), "err": err})
		return
	}
	ctx := context.Background()
	if err := c.writeAuthoritative(ctx, d.key, v, OriginFeed, c.currentRev(d.sk), false); err != nil {
		c.log.Warn("feed delivery not cached", Fields{"key": d.key.String(), "err": err})
	}
}
