package codec

import "github.com/golang/snappy"

// Snappy wraps another codec with snappy block compression. Compression is
// fully reversed on Decode, so the provider transparency contract holds:
// the cache frames the compressed bytes and gets them back verbatim.
//
// Worth it for large view payloads (full round or leaderboard snapshots);
// skip it for small structs where the snappy header outweighs the savings.
type Snappy[V any] struct {
	// Inner is the underlying codec being wrapped. It must be set.
	Inner Codec[V]
}

func (c Snappy[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

func (c Snappy[V]) Decode(b []byte) (V, error) {
	d, err := snappy.Decode(nil, b)
	if err != nil {
		var zero V
		return zero, err
	}
	return c.Inner.Decode(d)
}
