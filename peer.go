// This represents a peer in the network.
// the minimum that a peer requires to be "valid" is just an address.
// everything else can be discovered via the network.
// Just a bit of a wrapper for the client really, that contains most of the
// networking code, this mostly has the entry and a few other things.

package peerd

import (
	"errors"
	"time"

	"github.com/hashicorp/yamux"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"

	"github.com/zif/peerd/dht"
	"github.com/zif/peerd/overlay"
	"github.com/zif/peerd/proto"
)

var ErrTimeout = errors.New("Timeout")

type Peer struct {
	address   dht.Address
	publicKey ed25519.PublicKey
	streams   proto.StreamManager

	entry    *dht.Entry
	outbound bool
}

func (p *Peer) Address() *dht.Address {
	return &p.address
}

func (p *Peer) ID() overlay.PeerID {
	return peerID(&p.address)
}

func (p *Peer) PublicKey() []byte {
	return p.publicKey
}

func (p *Peer) Entry() *dht.Entry {
	return p.entry
}

// The address of the other end of the connection.
func (p *Peer) RemoteMultiaddr() ma.Multiaddr {
	conn := p.streams.Connection()

	if conn == nil {
		return nil
	}

	addr, err := manet.FromNetAddr(conn.Client.Conn().RemoteAddr())

	if err != nil {
		return nil
	}

	return addr
}

func (p *Peer) Ping(timeOut time.Duration) (time.Duration, error) {
	type timeErr struct {
		t   time.Duration
		err error
	}

	session := p.streams.GetSession()

	if session == nil {
		return -1, errors.New("No session")
	}

	if session.IsClosed() {
		return -1, errors.New("Session closed")
	}

	timer := time.NewTimer(timeOut)
	defer timer.Stop()

	ret := make(chan timeErr, 1)

	go func() {
		t, err := session.Ping()
		ret <- timeErr{t, err}
	}()

	select {
	case ping := <-ret:
		return ping.t, ping.err

	case <-timer.C:
		return -1, ErrTimeout
	}
}

func (p *Peer) Connect(addr string, lp *LocalPeer) error {
	log.WithField("address", addr).Debug("Connecting")

	pair, err := p.streams.OpenTCP(addr, lp, lp.Entry())

	if err != nil {
		return err
	}

	p.setConnection(*pair)
	p.outbound = true

	return nil
}

func (p *Peer) setConnection(header proto.ConnHeader) {
	p.streams.SetConnection(header)

	entry := header.Entry
	p.entry = &entry
	p.address = entry.Address
	p.publicKey = entry.PublicKey
}

func (p *Peer) ConnectServer() (*yamux.Session, error) {
	return p.streams.ConnectServer()
}

func (p *Peer) ConnectClient() (*yamux.Session, error) {
	return p.streams.ConnectClient()
}

func (p *Peer) Session() *yamux.Session {
	return p.streams.GetSession()
}

func (p *Peer) Terminate() {
	p.streams.Close()
}

func (p *Peer) OpenStream() (*proto.Client, error) {
	return p.streams.OpenStream()
}

func (p *Peer) Announce(entry *dht.Entry) error {
	log.WithField("peer", p.Address().StringOr("")).Debug("Sending announce")

	stream, err := p.OpenStream()

	if err != nil {
		return err
	}

	defer stream.Close()

	return stream.Announce(entry)
}

func (p *Peer) FindClosest(address dht.Address) (dht.Entries, error) {
	stream, err := p.OpenStream()

	if err != nil {
		return nil, err
	}

	defer stream.Close()

	return stream.FindClosest(address)
}

func (p *Peer) GetRecord(key string) (*proto.GetResponse, error) {
	stream, err := p.OpenStream()

	if err != nil {
		return nil, err
	}

	defer stream.Close()

	return stream.GetRecord(key)
}

func (p *Peer) PutRecord(r *dht.Record) error {
	stream, err := p.OpenStream()

	if err != nil {
		return err
	}

	defer stream.Close()

	return stream.PutRecord(r)
}

func (p *Peer) AddProvider(key string, entry *dht.Entry) error {
	stream, err := p.OpenStream()

	if err != nil {
		return err
	}

	defer stream.Close()

	return stream.AddProvider(key, entry)
}

func (p *Peer) GetProviders(key string) (*proto.ProvidersResponse, error) {
	stream, err := p.OpenStream()

	if err != nil {
		return nil, err
	}

	defer stream.Close()

	return stream.GetProviders(key)
}

func (p *Peer) Fetch(key string) (*proto.FetchResponse, error) {
	stream, err := p.OpenStream()

	if err != nil {
		return nil, err
	}

	defer stream.Close()

	return stream.Fetch(key)
}

func (p *Peer) Gossip(g *proto.Gossip) error {
	stream, err := p.OpenStream()

	if err != nil {
		return err
	}

	defer stream.Close()

	return stream.Gossip(g)
}
