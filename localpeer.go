// The local peer. This runs on the current node, so we have access to its
// private key, routing table, record store, etc.

package peerd

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"

	"github.com/zif/peerd/dht"
	"github.com/zif/peerd/jobs"
	"github.com/zif/peerd/overlay"
	"github.com/zif/peerd/proto"
	"github.com/zif/peerd/util"
)

const EventBufferSize = 128

var _ overlay.ContentOverlay = (*LocalPeer)(nil)

// How often expired records and gossip ids are cleared out.
const MaintainFrequency = time.Minute

type Options struct {
	// multiaddr to listen on
	Bind  string
	Name  string
	Topic string

	// Longest any distributed query may run for.
	QueryDeadline time.Duration

	// Remote peers that must accept a put or provider announcement.
	Quorum int

	// Parallel requests per lookup round.
	Alpha int

	RecordTTL time.Duration
	MaxPeers  int
	Heartbeat time.Duration

	Socks     bool
	SocksPort int

	ExploreFrequency time.Duration

	// Forwards a broadcast may take.
	GossipHops int
}

func DefaultOptions() Options {
	return Options{
		Bind:             "/ip4/0.0.0.0/tcp/0",
		Topic:            "peerd-chat",
		QueryDeadline:    time.Minute * 5,
		Quorum:           1,
		Alpha:            3,
		RecordTTL:        dht.DefaultRecordTTL,
		MaxPeers:         100,
		Heartbeat:        HeartbeatFrequency,
		SocksPort:        9050,
		ExploreFrequency: jobs.ExploreFrequency,
		GossipHops:       GossipHops,
	}
}

type LocalPeer struct {
	DHT    *dht.DHT
	Server proto.Server

	entryMu sync.RWMutex
	entry   *dht.Entry

	options     Options
	address     dht.Address
	publicKey   ed25519.PublicKey
	privateKey  ed25519.PrivateKey
	peerManager *PeerManager
	gossip      *gossipCache

	events  chan overlay.Event
	handles uint64

	listening int32
	done      chan struct{}
	closeOnce sync.Once
	explore   *jobs.Explorer
}

func NewLocalPeer(key ed25519.PrivateKey, options Options) (*LocalPeer, error) {
	var err error

	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("Private key has the wrong size")
	}

	if options.Alpha <= 0 {
		options.Alpha = 1
	}

	if options.GossipHops <= 0 {
		options.GossipHops = GossipHops
	}

	lp := &LocalPeer{
		options:    options,
		privateKey: key,
		publicKey:  key.Public().(ed25519.PublicKey),
		events:     make(chan overlay.Event, EventBufferSize),
		done:       make(chan struct{}),
	}

	lp.address, err = dht.NewAddress(lp.publicKey)

	if err != nil {
		return nil, err
	}

	lp.DHT, err = dht.NewDHT(lp.address, "")

	if err != nil {
		return nil, err
	}

	if options.RecordTTL > 0 {
		lp.DHT.RecordTTL = options.RecordTTL
	}

	lp.entry = &dht.Entry{Name: options.Name}
	lp.entry.SetLocalPeer(lp)

	lp.peerManager = NewPeerManager(lp)
	lp.gossip = newGossipCache()

	return lp, nil
}

func (lp *LocalPeer) Address() *dht.Address {
	return &lp.address
}

func (lp *LocalPeer) PublicKey() []byte {
	return lp.publicKey
}

// The id other peers know us by.
func (lp *LocalPeer) ID() overlay.PeerID {
	return overlay.PeerID(lp.address.StringOr(""))
}

// Sign any bytes.
func (lp *LocalPeer) Sign(msg []byte) []byte {
	return ed25519.Sign(lp.privateKey, msg)
}

// A copy of our signed entry.
func (lp *LocalPeer) Entry() *dht.Entry {
	lp.entryMu.RLock()
	defer lp.entryMu.RUnlock()

	e := *lp.entry

	return &e
}

func (lp *LocalPeer) setEndpoint(host string, port int) {
	lp.entryMu.Lock()
	defer lp.entryMu.Unlock()

	lp.entry.PublicAddress = host
	lp.entry.Port = port
	lp.entry.Updated = uint64(time.Now().Unix())

	data, _ := lp.entry.Bytes()
	lp.entry.Signature = ed25519.Sign(lp.privateKey, data)
}

// Binds the listener from Options.Bind, then starts accepting connections and
// exploring the network. Returns every address we can be reached on.
func (lp *LocalPeer) Listen() ([]ma.Multiaddr, error) {
	if !atomic.CompareAndSwapInt32(&lp.listening, 0, 1) {
		return nil, errors.New("Already listening")
	}

	bind, err := ma.NewMultiaddr(lp.options.Bind)

	if err != nil {
		return nil, err
	}

	_, hostPort, err := manet.DialArgs(bind)

	if err != nil {
		return nil, err
	}

	addr, err := lp.Server.Listen(hostPort)

	if err != nil {
		return nil, err
	}

	listening, err := manet.FromNetAddr(addr)

	if err != nil {
		return nil, err
	}

	addrs := []ma.Multiaddr{listening}

	if manet.IsIPUnspecified(listening) {
		ifaces, err := manet.InterfaceMultiaddrs()

		if err == nil {
			resolved, err := manet.ResolveUnspecifiedAddresses(addrs, ifaces)

			if err == nil && len(resolved) > 0 {
				addrs = resolved
			}
		}
	}

	port := addr.(*net.TCPAddr).Port
	lp.setEndpoint(publicHost(addrs), port)

	for _, a := range addrs {
		lp.emit(overlay.Listening{Addr: a})
	}

	go lp.Server.Serve(lp, lp.Entry())

	lp.startExploring()
	go lp.maintain()

	return addrs, nil
}

// Prefers an address other machines can reach, falling back to loopback.
func publicHost(addrs []ma.Multiaddr) string {
	host := "127.0.0.1"

	for _, a := range addrs {
		ip, err := manet.ToIP(a)

		if err != nil {
			continue
		}

		if !ip.IsLoopback() {
			return ip.String()
		}

		host = ip.String()
	}

	return host
}

// Connects to a peer given a multiaddr or host:port.
func (lp *LocalPeer) Dial(addr string) error {
	hostPort, err := util.ParseDialAddress(addr)

	if err != nil {
		return err
	}

	_, err = lp.peerManager.ConnectPeerDirect(hostPort)

	return err
}

func (lp *LocalPeer) Events() <-chan overlay.Event {
	return lp.events
}

// Blocks until the event is taken, unless we are shutting down. Events are
// never dropped while the node runs, a completion must always arrive.
func (lp *LocalPeer) emit(ev overlay.Event) {
	select {
	case lp.events <- ev:
	case <-lp.done:
	}
}

func (lp *LocalPeer) nextHandle() overlay.QueryHandle {
	return overlay.QueryHandle(atomic.AddUint64(&lp.handles, 1))
}

func (lp *LocalPeer) startExploring() {
	lp.explore = jobs.NewExplorer(jobs.ExploreConfig{
		Self:      lp.address,
		Frequency: lp.options.ExploreFrequency,
		Seed:      lp.exploreSeed,
		Connect:   lp.exploreConnect,
		Found:     lp.learn,
	})

	lp.explore.Start()
}

// Entries to explore from: the closest to us, and to somewhere random.
func (lp *LocalPeer) exploreSeed() dht.Entries {
	closest := lp.DHT.FindClosest(lp.address, dht.BucketSize)

	addr, err := dht.RandomAddress()

	if err == nil {
		closest = append(closest, lp.DHT.FindClosest(*addr, dht.BucketSize)...)
	}

	return closest
}

func (lp *LocalPeer) maintain() {
	ticker := time.NewTicker(MaintainFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-lp.done:
			return
		}

		lp.DHT.Expire()

		if n := lp.gossip.expire(time.Now()); n > 0 {
			log.WithField("count", n).Debug("Forgot gossip ids")
		}
	}
}

func (lp *LocalPeer) exploreConnect(e *dht.Entry) (jobs.Explorable, error) {
	return lp.peerManager.ConnectPeer(e)
}

// Adds an entry to the routing table, announcing it if it is new to us.
func (lp *LocalPeer) addEntry(e *dht.Entry) bool {
	if e.Address.Equals(&lp.address) {
		return false
	}

	added, err := lp.DHT.Insert(e)

	if err != nil {
		log.WithField("reason", err.Error()).Debug("Not adding entry")
		return false
	}

	if added {
		var addrs []ma.Multiaddr

		if a, err := e.Multiaddr(); err == nil {
			addrs = append(addrs, a)
		}

		log.WithField("peer", e.Address.StringOr("")).Info("Discovered new peer")
		lp.emit(overlay.PeerDiscovered{Peer: peerID(&e.Address), Addrs: addrs})
	}

	return added
}

// As addEntry, and connects to new peers while there is room.
func (lp *LocalPeer) learn(e *dht.Entry) bool {
	added := lp.addEntry(e)

	if added && lp.peerManager.Count() < lp.options.MaxPeers {
		go lp.peerManager.ConnectPeer(e)
	}

	return added
}

func (lp *LocalPeer) PeerCount() int {
	return lp.peerManager.Count()
}

func (lp *LocalPeer) Close() {
	lp.closeOnce.Do(func() {
		close(lp.done)

		if lp.explore != nil {
			lp.explore.Stop()
		}

		lp.Server.Close()
		lp.peerManager.CloseAll()
		lp.DHT.Close()
	})
}

func peerID(addr *dht.Address) overlay.PeerID {
	return overlay.PeerID(addr.StringOr(""))
}
