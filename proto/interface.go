package proto

import (
	"github.com/hashicorp/yamux"

	"github.com/zif/peerd/common"
	"github.com/zif/peerd/dht"
)

type ProtocolHandler interface {
	common.Signer

	HandlePing(*Message) error
	HandleAnnounce(*Message) error
	HandleFindClosest(*Message) error
	HandleGet(*Message) error
	HandlePut(*Message) error
	HandleAddProvider(*Message) error
	HandleGetProviders(*Message) error
	HandleGossip(*Message) error
	HandleFetch(*Message) error

	HandleHandshake(ConnHeader) (NetworkPeer, error)
	HandleCloseConnection(*dht.Address)
	HandleListenerError(error)
}

// Allows the protocol stuff to work with Peers, while the root package can
// interface peers with the DHT properly.
type NetworkPeer interface {
	Session() *yamux.Session
	Address() *dht.Address
}
