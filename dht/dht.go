package dht

import (
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultRecordTTL = time.Hour * 36

// Anything that owns an address and a keypair, usually the local peer.
type Node interface {
	Address() *Address
	PublicKey() []byte
}

// The routing table and the local record store, as one.
type DHT struct {
	db    *NetDB
	store *Store

	RecordTTL time.Duration
}

// sets up the dht
func NewDHT(addr Address, path string) (*DHT, error) {
	ret := &DHT{RecordTTL: DefaultRecordTTL}

	ret.db = NewNetDB(addr)

	store, err := NewStore(path)

	if err != nil {
		return nil, err
	}

	ret.store = store

	return ret, nil
}

func (dht *DHT) Address() Address {
	return dht.db.addr
}

func (dht *DHT) Insert(entry *Entry) (bool, error) {
	return dht.db.Insert(entry)
}

func (dht *DHT) Remove(addr Address) bool {
	return dht.db.Remove(addr)
}

func (dht *DHT) Query(addr Address) (*Entry, error) {
	return dht.db.Query(addr)
}

func (dht *DHT) FindClosest(addr Address, n int) Entries {
	return dht.db.FindClosest(addr, n)
}

func (dht *DHT) Len() int {
	return dht.db.Len()
}

func (dht *DHT) PutRecord(r *Record) error {
	return dht.store.PutRecord(r)
}

func (dht *DHT) GetRecord(key string) (*Record, error) {
	return dht.store.GetRecord(key)
}

func (dht *DHT) AddProvider(key string, entry *Entry) error {
	return dht.store.AddProvider(key, entry, dht.RecordTTL)
}

func (dht *DHT) GetProviders(key string) (Entries, error) {
	return dht.store.GetProviders(key)
}

// Drops expired records and providers.
func (dht *DHT) Expire() {
	n, err := dht.store.Expire()

	if err != nil {
		log.Error(err.Error())
		return
	}

	if n > 0 {
		log.WithField("count", n).Debug("Expired records")
	}
}

func (dht *DHT) PutContent(key string, data []byte) error {
	return dht.store.PutContent(key, data)
}

func (dht *DHT) GetContent(key string) ([]byte, error) {
	return dht.store.GetContent(key)
}

func (dht *DHT) Close() error {
	return dht.store.Close()
}
