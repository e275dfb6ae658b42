package dht

import (
	"time"
)

const (
	MaxValueSize = 10 * 1024

	// Fits in a single message even when it does not compress.
	MaxContentSize = 32 * 1024
)

// A value stored under a key, as it travels between peers.
type Record struct {
	Key       string  `msgpack:"key"`
	Value     []byte  `msgpack:"value"`
	Publisher Address `msgpack:"publisher"`

	// unix seconds
	Expires int64 `msgpack:"expires"`
}

func NewRecord(key string, value []byte, publisher Address, ttl time.Duration) *Record {
	ret := &Record{}

	ret.Key = key
	ret.Publisher = publisher
	ret.Expires = time.Now().Add(ttl).Unix()

	ret.Value = make([]byte, len(value))
	copy(ret.Value, value)

	return ret
}

func (r *Record) Valid() bool {
	return len(r.Key) > 0 && len(r.Key) <= MaxKeyLength && len(r.Value) <= MaxValueSize
}

func (r *Record) Expired(now time.Time) bool {
	return r.Expires <= now.Unix()
}

// A request to register the sender as a provider for a key.
type Provider struct {
	Key   string `msgpack:"key"`
	Entry *Entry `msgpack:"entry"`
}
