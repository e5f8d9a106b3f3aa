// Package redis implements an optcache.Source over Redis pub/sub: one
// channel per key, one PubSub registration per open stream.
package redis

import (
	"context"
	"errors"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/optcache"
)

var ErrNilClient = errors.New("redis feed: nil client")

type Config struct {
	Client goredis.UniversalClient

	// Channel derives the pub/sub channel name for a key.
	// nil => "feed:" + key.String().
	Channel func(optcache.Key) string

	// Buffer is the per-stream payload queue depth; 0 => 64.
	Buffer int
}

type Source struct {
	rdb     goredis.UniversalClient
	channel func(optcache.Key) string
	buffer  int
}

var _ optcache.Source = (*Source)(nil)

func New(cfg Config) (*Source, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	s := &Source{rdb: cfg.Client, channel: cfg.Channel, buffer: cfg.Buffer}
	if s.channel == nil {
		s.channel = func(k optcache.Key) string { return "feed:" + k.String() }
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	return s, nil
}

// Open subscribes to the key's channel. The initial subscribe confirmation
// is awaited so registration failures surface here, synchronously.
func (s *Source) Open(ctx context.Context, key optcache.Key) (optcache.Stream, error) {
	ps := s.rdb.Subscribe(ctx, s.channel(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	st := &stream{ps: ps, out: make(chan []byte, s.buffer)}
	go st.pump()
	return st, nil
}

type stream struct {
	ps   *goredis.PubSub
	out  chan []byte
	once sync.Once
	err  error
}

func (s *stream) Updates() <-chan []byte { return s.out }

// Close tears the registration down; repeated calls return the first result.
func (s *stream) Close() error {
	s.once.Do(func() { s.err = s.ps.Close() })
	return s.err
}

func (s *stream) pump() {
	// Channel() is closed by go-redis when the PubSub closes
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		default:
			// consumer gone or saturated; pushes are state snapshots, the
			// next delivery supersedes the dropped one
		}
	}
	close(s.out)
}
