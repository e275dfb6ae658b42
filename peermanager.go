package peerd

import (
	"errors"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	log "github.com/sirupsen/logrus"

	"github.com/zif/peerd/dht"
	"github.com/zif/peerd/overlay"
	"github.com/zif/peerd/proto"
	"github.com/zif/peerd/util"
)

const HeartbeatFrequency = time.Second * 30
const AnnounceFrequency = time.Minute * 30

// errors

var (
	ErrPeerUnreachable = errors.New("Peer could not be reached")
	ErrPeerLimit       = errors.New("Too many peers connected")
	ErrSelfConnect     = errors.New("Cannot connect to self")
	ErrAlreadyPeered   = errors.New("Already connected to peer")
)

// handles peer connections
type PeerManager struct {
	// a map of currently connected peers
	peers cmap.ConcurrentMap[string, *Peer]
	// A map of dialed host:port to address
	publicToAddress cmap.ConcurrentMap[string, string]

	localPeer *LocalPeer
}

func NewPeerManager(lp *LocalPeer) *PeerManager {
	ret := &PeerManager{}

	ret.peers = cmap.New[*Peer]()
	ret.publicToAddress = cmap.New[string]()
	ret.localPeer = lp

	return ret
}

func (pm *PeerManager) Count() int {
	return pm.peers.Count()
}

func (pm *PeerManager) Peers() map[string]*Peer {
	return pm.peers.Items()
}

func (pm *PeerManager) GetPeer(addr string) *Peer {
	peer, has := pm.peers.Get(addr)

	if !has {
		return nil
	}

	return peer
}

// Given a direct address, for instance an IP or domain, connect to the peer there.
// This can be used for something like bootstrapping, or for something like
// connecting to a peer whose address we have just resolved.
func (pm *PeerManager) ConnectPeerDirect(addr string) (*Peer, error) {
	if known, has := pm.publicToAddress.Get(addr); has {
		if peer := pm.GetPeer(known); peer != nil {
			return peer, nil
		}
	}

	if pm.Count() >= pm.localPeer.options.MaxPeers {
		return nil, ErrPeerLimit
	}

	dialing := overlay.Dialing{}

	if a, err := util.ToMultiaddr(addr); err == nil {
		dialing.Addr = a
	}

	pm.localPeer.emit(dialing)

	peer := &Peer{}
	peer.streams.Socks = pm.localPeer.options.Socks
	peer.streams.SocksPort = pm.localPeer.options.SocksPort

	err := peer.Connect(addr, pm.localPeer)

	if err != nil {
		log.WithField("address", addr).Info("Failed to connect: ", err.Error())
		return nil, ErrPeerUnreachable
	}

	if peer.Address().Equals(pm.localPeer.Address()) {
		peer.Terminate()
		return nil, ErrSelfConnect
	}

	_, err = peer.ConnectClient()

	if err != nil {
		peer.Terminate()
		return nil, err
	}

	existing, err := pm.SetPeer(peer)

	if err == ErrAlreadyPeered {
		// raced with an inbound connection from the same peer
		peer.Terminate()
		return existing, nil
	}

	pm.publicToAddress.Set(addr, peer.Address().StringOr(""))

	// the peer may open streams to us too
	go pm.localPeer.Server.ListenStream(peer, pm.localPeer)

	return peer, nil
}

// Connects to the peer an entry describes, reusing a connection if there is one.
func (pm *PeerManager) ConnectPeer(entry *dht.Entry) (*Peer, error) {
	if entry.Address.Equals(pm.localPeer.Address()) {
		return nil, ErrSelfConnect
	}

	if peer := pm.GetPeer(entry.Address.StringOr("")); peer != nil {
		return peer, nil
	}

	peer, err := pm.ConnectPeerDirect(entry.DialAddress())

	if err != nil {
		return nil, err
	}

	// whoever answered must be who the entry claims
	if !peer.Address().Equals(&entry.Address) {
		return nil, errors.New("Peer at that address has a different identity")
	}

	return peer, nil
}

// Registers a peer whose connection is ready. Returns the existing peer and
// ErrAlreadyPeered if we are already connected to it.
func (pm *PeerManager) SetPeer(p *Peer) (*Peer, error) {
	key := p.Address().StringOr("")

	if !pm.peers.SetIfAbsent(key, p) {
		return pm.GetPeer(key), ErrAlreadyPeered
	}

	pm.localPeer.addEntry(p.Entry())

	pm.localPeer.emit(overlay.ConnectionEstablished{
		Peer:     p.ID(),
		Addr:     p.RemoteMultiaddr(),
		Outbound: p.outbound,
	})

	log.WithField("peer", key).Info("Connected")

	go pm.heartbeatPeer(p)
	go pm.announcePeer(p)

	return p, nil
}

func (pm *PeerManager) HandleCloseConnection(addr *dht.Address) {
	peer := pm.GetPeer(addr.StringOr(""))

	if peer == nil {
		return
	}

	// a stale session ending says nothing about the current one
	if s := peer.Session(); s != nil && !s.IsClosed() {
		return
	}

	pm.closePeer(addr, nil)
}

// Removes a peer and closes its connection. Only the first call for a peer
// reports it as closed.
func (pm *PeerManager) closePeer(addr *dht.Address, cause error) {
	peer, has := pm.peers.Pop(addr.StringOr(""))

	if !has {
		return
	}

	peer.Terminate()

	// unresponsive, make room in the bucket for someone who answers
	if cause != nil {
		pm.localPeer.DHT.Remove(*addr)
	}

	log.WithField("peer", addr.StringOr("")).Info("Disconnected")

	pm.localPeer.emit(overlay.ConnectionClosed{Peer: peer.ID(), Cause: cause})
}

func (pm *PeerManager) CloseAll() {
	for _, p := range pm.peers.Items() {
		p.Terminate()
	}

	pm.peers.Clear()
}

// Pings the peer regularly to check the connection
func (pm *PeerManager) heartbeatPeer(p *Peer) {
	frequency := pm.localPeer.options.Heartbeat

	if frequency <= 0 {
		frequency = HeartbeatFrequency
	}

	ticker := time.NewTicker(frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-pm.localPeer.done:
			return
		}

		// If the peer has already been removed, don't bother
		if current := pm.GetPeer(p.Address().StringOr("")); current != p {
			return
		}

		log.WithField("peer", p.Address().StringOr("")).Debug("Sending heartbeat")

		// allows for a suddenly slower connection, most requests have a lower timeout
		rtt, err := p.Ping(frequency)

		pm.localPeer.emit(overlay.PingResult{Peer: p.ID(), RTT: rtt, Err: err})

		if err != nil {
			log.WithField("peer", p.Address().StringOr("")).Info("Peer has no heartbeat, terminating")

			pm.closePeer(p.Address(), err)

			return
		}
	}
}

func (pm *PeerManager) announcePeer(p *Peer) {
	ticker := time.NewTicker(AnnounceFrequency)
	defer ticker.Stop()

	for {
		// If the peer has already been removed, don't bother
		if current := pm.GetPeer(p.Address().StringOr("")); current != p {
			return
		}

		err := p.Announce(pm.localPeer.Entry())

		if err != nil {
			log.WithField("peer", p.Address().StringOr("")).Debug("Announce failed: ", err.Error())
		}

		select {
		case <-ticker.C:
		case <-pm.localPeer.done:
			return
		}
	}
}

// Peers we are connected to, nearest to addr first.
func (pm *PeerManager) closestConnected(addr dht.Address) dht.Entries {
	ret := make(dht.Entries, 0, pm.Count())

	for _, p := range pm.peers.Items() {
		ret = append(ret, p.Entry())
	}

	return sortByDistance(ret, addr)
}

// Inbound connections, from the server.
func (pm *PeerManager) HandleHandshake(header proto.ConnHeader) (proto.NetworkPeer, error) {
	peer := &Peer{}
	peer.setConnection(header)

	if peer.Address().Equals(pm.localPeer.Address()) {
		return nil, ErrSelfConnect
	}

	if pm.Count() >= pm.localPeer.options.MaxPeers {
		return nil, ErrPeerLimit
	}

	_, err := peer.ConnectServer()

	if err != nil {
		return nil, err
	}

	_, err = pm.SetPeer(peer)

	if err != nil {
		peer.Terminate()
		return nil, err
	}

	return peer, nil
}
