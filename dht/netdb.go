package dht

import (
	"errors"
	"sort"
	"sync"
)

const (
	BucketSize = 20
)

var ErrNotFound = errors.New("Address not in routing table")

// The routing table. One bucket per bit of distance from our own address, most
// recently seen entries at the front of each bucket.
type NetDB struct {
	mu    sync.RWMutex
	table [][]*Entry
	addr  Address
}

func NewNetDB(addr Address) *NetDB {
	ret := &NetDB{}
	ret.addr = addr

	// One bucket of addresses per bit in an address
	ret.table = make([][]*Entry, AddressBinarySize*8)

	for n := range ret.table {
		ret.table[n] = make([]*Entry, 0, BucketSize)
	}

	return ret
}

func (ndb *NetDB) Address() Address {
	return ndb.addr
}

// Get the total size of the in-memory routing table
func (ndb *NetDB) Len() int {
	ndb.mu.RLock()
	defer ndb.mu.RUnlock()

	size := 0

	for _, i := range ndb.table {
		size += len(i)
	}

	return size
}

func (ndb *NetDB) bucketIndex(addr *Address) int {
	return addr.Xor(&ndb.addr).LeadingZeroes()
}

func (ndb *NetDB) find(bucket []*Entry, addr *Address) int {
	for n, i := range bucket {
		if i.Address.Equals(addr) {
			return n
		}
	}

	return -1
}

// Inserts an entry into the routing table. The entry must verify, and may not
// be our own. Returns true if the entry was not already known.
func (ndb *NetDB) Insert(entry *Entry) (bool, error) {
	err := entry.Verify()

	if err != nil {
		return false, err
	}

	if entry.Address.Equals(&ndb.addr) {
		return false, errors.New("Will not insert own entry")
	}

	ndb.mu.Lock()
	defer ndb.mu.Unlock()

	index := ndb.bucketIndex(&entry.Address)
	bucket := ndb.table[index]

	found := ndb.find(bucket, &entry.Address)

	// if it already exists, it first needs to be removed from it's old position
	if found != -1 {
		// an older signed entry never replaces a newer one
		if bucket[found].Updated > entry.Updated {
			entry = bucket[found]
		}

		bucket = append(bucket[:found], bucket[found+1:]...)
	} else if len(bucket) == BucketSize {
		// remove the back of the bucket, this update will go at the front
		bucket = bucket[:len(bucket)-1]
	}

	ndb.table[index] = append([]*Entry{entry}, bucket...)

	return found == -1, nil
}

func (ndb *NetDB) Remove(addr Address) bool {
	ndb.mu.Lock()
	defer ndb.mu.Unlock()

	index := ndb.bucketIndex(&addr)
	bucket := ndb.table[index]

	found := ndb.find(bucket, &addr)

	if found == -1 {
		return false
	}

	ndb.table[index] = append(bucket[:found], bucket[found+1:]...)

	return true
}

// Returns the entry if this node has the address, ErrNotFound otherwise.
func (ndb *NetDB) Query(addr Address) (*Entry, error) {
	ndb.mu.RLock()
	defer ndb.mu.RUnlock()

	bucket := ndb.table[ndb.bucketIndex(&addr)]
	found := ndb.find(bucket, &addr)

	if found == -1 {
		return nil, ErrNotFound
	}

	return bucket[found], nil
}

// Returns up to n entries, closest to addr first.
func (ndb *NetDB) FindClosest(addr Address, n int) Entries {
	ndb.mu.RLock()
	defer ndb.mu.RUnlock()

	if n <= 0 {
		n = BucketSize
	}

	index := ndb.bucketIndex(&addr)
	bits := len(ndb.addr.Raw) * 8

	ret := make(Entries, 0, n)

	// Start with bucket, copy all across, then move outwards checking all
	// other buckets. Gather at least n so the sort has something to choose from.
	for i := 0; (index-i >= 0 || index+i < bits) && len(ret) < n; i++ {
		if index-i >= 0 {
			ret = append(ret, ndb.table[index-i]...)
		}

		if i != 0 && index+i < bits {
			ret = append(ret, ndb.table[index+i]...)
		}
	}

	sorted := make(Entries, len(ret))

	for k, e := range ret {
		c := *e
		c.distance = *c.Address.Xor(&addr)
		sorted[k] = &c
	}

	sort.Sort(sorted)

	if len(sorted) > n {
		sorted = sorted[:n]
	}

	return sorted
}
