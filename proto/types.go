package proto

import "github.com/zif/peerd/dht"

// Sent in reply to a get. The record is nil if the peer does not have it,
// in which case Closer holds the peers it knows of nearer to the key.
type GetResponse struct {
	Record *dht.Record `msgpack:"record"`
	Closer dht.Entries `msgpack:"closer"`
}

type ProvidersResponse struct {
	Providers dht.Entries `msgpack:"providers"`
	Closer    dht.Entries `msgpack:"closer"`
}

type FetchResponse struct {
	Data  []byte `msgpack:"data"`
	Found bool   `msgpack:"found"`
}

// A chat message travelling through the network.
type Gossip struct {
	ID     string      `msgpack:"id"`
	Topic  string      `msgpack:"topic"`
	Origin dht.Address `msgpack:"origin"`
	Data   []byte      `msgpack:"data"`

	// Decremented on every forward, dropped at zero.
	Hops int `msgpack:"hops"`
}
