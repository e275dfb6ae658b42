package peerd

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zif/peerd/dht"
	"github.com/zif/peerd/overlay"
	"github.com/zif/peerd/proto"
)

// Replies ok, with v as the content if it is not nil.
func reply(msg *proto.Message, v interface{}) error {
	ok := &proto.Message{Header: proto.ProtoOk}

	if v != nil {
		if err := ok.Write(v); err != nil {
			return err
		}
	}

	return msg.Client.WriteMessage(ok)
}

func (lp *LocalPeer) HandlePing(msg *proto.Message) error {
	return reply(msg, nil)
}

// A peer telling us about itself.
func (lp *LocalPeer) HandleAnnounce(msg *proto.Message) error {
	entry := &dht.Entry{}

	if err := msg.Read(entry); err != nil {
		return err
	}

	if msg.From != nil && !entry.Address.Equals(msg.From) {
		return errors.New("Peers may only announce themselves")
	}

	if err := entry.Verify(); err != nil {
		return err
	}

	lp.addEntry(entry)

	return reply(msg, nil)
}

// Querying peer sends an address
// This peer will respond with a list of the k closest peers, ordered by distance.
// The top peer may well be the one that is being queried for :)
func (lp *LocalPeer) HandleFindClosest(msg *proto.Message) error {
	address := dht.Address{}

	if err := msg.Read(&address); err != nil {
		return err
	}

	if len(address.Raw) != dht.AddressBinarySize {
		return errors.New("Invalid address")
	}

	log.WithField("target", address.StringOr("")).Debug("Received find closest")

	return reply(msg, lp.closestFor(address, msg.From))
}

// The closest entries we know to address, leaving out the asking peer.
func (lp *LocalPeer) closestFor(address dht.Address, from *dht.Address) dht.Entries {
	closest := lp.DHT.FindClosest(address, dht.BucketSize+1)
	ret := make(dht.Entries, 0, len(closest))

	for _, e := range closest {
		if from != nil && e.Address.Equals(from) {
			continue
		}

		ret = append(ret, e)
	}

	if len(ret) > dht.BucketSize {
		ret = ret[:dht.BucketSize]
	}

	return ret
}

func (lp *LocalPeer) HandleGet(msg *proto.Message) error {
	var key string

	if err := msg.Read(&key); err != nil {
		return err
	}

	_, target, err := dht.KeyAddress(key)

	if err != nil {
		return err
	}

	record, err := lp.DHT.GetRecord(key)

	if err != nil {
		return err
	}

	res := &proto.GetResponse{Record: record}

	if record == nil {
		res.Closer = lp.closestFor(target, msg.From)
	}

	return reply(msg, res)
}

func (lp *LocalPeer) HandlePut(msg *proto.Message) error {
	record := &dht.Record{}

	if err := msg.Read(record); err != nil {
		return err
	}

	if msg.From == nil || !record.Publisher.Equals(msg.From) {
		return errors.New("Record publisher does not match sender")
	}

	// we decide how long we keep things for
	if limit := time.Now().Add(lp.DHT.RecordTTL).Unix(); record.Expires > limit {
		record.Expires = limit
	}

	if err := lp.DHT.PutRecord(record); err != nil {
		return err
	}

	log.WithFields(log.Fields{"key": record.Key, "publisher": msg.From.StringOr("")}).Debug("Stored record")

	return reply(msg, nil)
}

func (lp *LocalPeer) HandleAddProvider(msg *proto.Message) error {
	provider := &dht.Provider{}

	if err := msg.Read(provider); err != nil {
		return err
	}

	if provider.Entry == nil {
		return errors.New("Provider has no entry")
	}

	if msg.From == nil || !provider.Entry.Address.Equals(msg.From) {
		return errors.New("Peers may only announce themselves as providers")
	}

	if err := lp.DHT.AddProvider(provider.Key, provider.Entry); err != nil {
		return err
	}

	lp.addEntry(provider.Entry)

	return reply(msg, nil)
}

func (lp *LocalPeer) HandleGetProviders(msg *proto.Message) error {
	var key string

	if err := msg.Read(&key); err != nil {
		return err
	}

	_, target, err := dht.KeyAddress(key)

	if err != nil {
		return err
	}

	providers, err := lp.DHT.GetProviders(key)

	if err != nil {
		return err
	}

	return reply(msg, &proto.ProvidersResponse{
		Providers: providers,
		Closer:    lp.closestFor(target, msg.From),
	})
}

// Hands over whatever we serve under a key. Not having it is not an error.
func (lp *LocalPeer) HandleFetch(msg *proto.Message) error {
	var key string

	if err := msg.Read(&key); err != nil {
		return err
	}

	data, err := lp.DHT.GetContent(key)

	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"key": key, "found": data != nil}).Debug("Received fetch")

	return reply(msg, &proto.FetchResponse{Data: data, Found: data != nil})
}

func (lp *LocalPeer) HandleHandshake(header proto.ConnHeader) (proto.NetworkPeer, error) {
	return lp.peerManager.HandleHandshake(header)
}

func (lp *LocalPeer) HandleCloseConnection(addr *dht.Address) {
	lp.peerManager.HandleCloseConnection(addr)
}

// The listener has died, nobody can reach us any more.
func (lp *LocalPeer) HandleListenerError(err error) {
	select {
	case <-lp.done:
		return
	default:
	}

	ev := overlay.ListenerFailed{Err: err}

	if a, e := lp.Entry().Multiaddr(); e == nil {
		ev.Addr = a
	}

	lp.emit(ev)
}
