package overlay

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// An Event is one of the types in this file. The set is closed, isEvent keeps
// anything else out.
type Event interface {
	isEvent()
}

type PeerDiscovered struct {
	Peer  PeerID
	Addrs []ma.Multiaddr
}

type Listening struct {
	Addr ma.Multiaddr
}

// Peer is empty when dialing a bare address.
type Dialing struct {
	Peer PeerID
	Addr ma.Multiaddr
}

type ConnectionEstablished struct {
	Peer     PeerID
	Addr     ma.Multiaddr
	Outbound bool
}

type ConnectionClosed struct {
	Peer  PeerID
	Cause error
}

type MessageReceived struct {
	From  PeerID
	Topic string
	ID    string
	Data  []byte
}

// A query has contacted another peer. Found counts the values or providers
// seen so far.
type QueryProgress struct {
	Handle QueryHandle
	Peer   PeerID
	Found  int
}

type QueryCompleted struct {
	Handle QueryHandle
	Result QueryResult
	Err    error
}

type PingResult struct {
	Peer PeerID
	RTT  time.Duration
	Err  error
}

// The listener died. Fatal, the node cannot accept connections anymore.
type ListenerFailed struct {
	Addr ma.Multiaddr
	Err  error
}

func (PeerDiscovered) isEvent()        {}
func (Listening) isEvent()             {}
func (Dialing) isEvent()               {}
func (ConnectionEstablished) isEvent() {}
func (ConnectionClosed) isEvent()      {}
func (MessageReceived) isEvent()       {}
func (QueryProgress) isEvent()         {}
func (QueryCompleted) isEvent()        {}
func (PingResult) isEvent()            {}
func (ListenerFailed) isEvent()        {}
