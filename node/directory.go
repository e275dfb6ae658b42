package node

import (
	"sort"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/zif/peerd/overlay"
)

type PeerRecord struct {
	ID        overlay.PeerID
	Addrs     []ma.Multiaddr
	LastSeen  time.Time
	Connected bool
}

// Every peer the node has heard of. Owned by the control loop.
type Directory struct {
	peers map[overlay.PeerID]*PeerRecord
	now   func() time.Time
}

func NewDirectory() *Directory {
	return &Directory{
		peers: make(map[overlay.PeerID]*PeerRecord),
		now:   time.Now,
	}
}

// Inserts the peer or refreshes its last seen time, merging in any new
// addresses. Returns true if the peer was not known before.
func (d *Directory) Touch(id overlay.PeerID, addrs ...ma.Multiaddr) bool {
	if id == "" {
		return false
	}

	rec, has := d.peers[id]

	if !has {
		rec = &PeerRecord{ID: id}
		d.peers[id] = rec
	}

	rec.LastSeen = d.now()

	for _, a := range addrs {
		if a == nil || containsAddr(rec.Addrs, a) {
			continue
		}

		rec.Addrs = append(rec.Addrs, a)
	}

	return !has
}

func (d *Directory) SetConnected(id overlay.PeerID, connected bool) {
	if id == "" {
		return
	}

	d.Touch(id)
	d.peers[id].Connected = connected
}

func (d *Directory) Get(id overlay.PeerID) (PeerRecord, bool) {
	rec, has := d.peers[id]

	if !has {
		return PeerRecord{}, false
	}

	return *rec, true
}

func (d *Directory) Len() int {
	return len(d.peers)
}

func (d *Directory) Connected() int {
	count := 0

	for _, rec := range d.peers {
		if rec.Connected {
			count++
		}
	}

	return count
}

// Drops peers that are not connected and have not been seen for maxAge.
// Returns the ids removed, sorted.
func (d *Directory) Prune(now time.Time, maxAge time.Duration) []overlay.PeerID {
	var ret []overlay.PeerID

	for id, rec := range d.peers {
		if rec.Connected || now.Sub(rec.LastSeen) < maxAge {
			continue
		}

		delete(d.peers, id)
		ret = append(ret, id)
	}

	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })

	return ret
}

func containsAddr(addrs []ma.Multiaddr, addr ma.Multiaddr) bool {
	for _, a := range addrs {
		if a.Equal(addr) {
			return true
		}
	}

	return false
}
