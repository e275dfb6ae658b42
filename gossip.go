package peerd

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	cmap "github.com/orcaman/concurrent-map/v2"
	log "github.com/sirupsen/logrus"

	"github.com/zif/peerd/dht"
	"github.com/zif/peerd/overlay"
	"github.com/zif/peerd/proto"
)

// How many times a message may be forwarded.
const GossipHops = 8

// How long message ids are remembered for.
const GossipSeenExpiry = time.Minute * 10

// Message ids we have already delivered and forwarded.
type gossipCache struct {
	seen cmap.ConcurrentMap[string, time.Time]
	seq  uint64
}

func newGossipCache() *gossipCache {
	return &gossipCache{seen: cmap.New[time.Time]()}
}

// Returns true only the first time an id is seen.
func (g *gossipCache) markSeen(id string) bool {
	return g.seen.SetIfAbsent(id, time.Now())
}

func (g *gossipCache) expire(now time.Time) int {
	count := 0

	for id, at := range g.seen.Items() {
		if now.Sub(at) > GossipSeenExpiry {
			g.seen.Remove(id)
			count++
		}
	}

	return count
}

// Content id of origin, sequence number and data. Unique per message even when
// the same text is sent twice.
func gossipID(origin dht.Address, seq uint64, data []byte) (string, error) {
	payload := make([]byte, 0, len(origin.Raw)+8+len(data))
	payload = append(payload, origin.Raw...)
	payload = binary.BigEndian.AppendUint64(payload, seq)
	payload = append(payload, data...)

	prefix := cid.Prefix{
		Version:  1,
		Codec:    cid.Raw,
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}

	c, err := prefix.Sum(payload)

	if err != nil {
		return "", err
	}

	return c.String(), nil
}

// Floods text to every connected peer on our topic.
func (lp *LocalPeer) Broadcast(text string) error {
	select {
	case <-lp.done:
		return overlay.ErrClosed
	default:
	}

	if lp.peerManager.Count() == 0 {
		return overlay.ErrInsufficientPeers
	}

	data := []byte(text)
	id, err := gossipID(lp.address, atomic.AddUint64(&lp.gossip.seq, 1), data)

	if err != nil {
		return err
	}

	g := &proto.Gossip{
		ID:     id,
		Topic:  lp.options.Topic,
		Origin: lp.address,
		Data:   data,
		Hops:   lp.options.GossipHops,
	}

	lp.gossip.markSeen(id)
	lp.forward(g, nil)

	return nil
}

// Sends g to every connected peer except the one it came from. Returns how
// many peers it went to.
func (lp *LocalPeer) forward(g *proto.Gossip, from *dht.Address) int {
	count := 0

	for _, p := range lp.peerManager.Peers() {
		if from != nil && p.Address().Equals(from) {
			continue
		}

		count++

		go func(p *Peer) {
			if err := p.Gossip(g); err != nil {
				log.WithField("peer", p.Address().StringOr("")).Debug("Gossip failed: ", err.Error())
			}
		}(p)
	}

	return count
}

func (lp *LocalPeer) HandleGossip(msg *proto.Message) error {
	g := &proto.Gossip{}

	if err := msg.Read(g); err != nil {
		return err
	}

	if g.ID == "" {
		return errors.New("Gossip has no id")
	}

	if err := reply(msg, nil); err != nil {
		return err
	}

	if !lp.gossip.markSeen(g.ID) {
		return nil
	}

	if g.Topic == lp.options.Topic && !g.Origin.Equals(&lp.address) {
		from := overlay.PeerID("")

		if msg.From != nil {
			from = peerID(msg.From)
		}

		lp.emit(overlay.MessageReceived{
			From:  from,
			Topic: g.Topic,
			ID:    g.ID,
			Data:  g.Data,
		})
	}

	if g.Hops > 1 {
		g.Hops--
		lp.forward(g, msg.From)
	}

	return nil
}
