package dht_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/zif/peerd/dht"
	"golang.org/x/crypto/ed25519"
)

// this is helpful for testing
// thanks to: http://stackoverflow.com/questions/22892120/how-to-generate-a-random-string-of-a-fixed-length-in-golang
const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
const (
	letterIdxBits = 6                    // 6 bits to represent a letter index
	letterIdxMask = 1<<letterIdxBits - 1 // All 1-bits, as many as letterIdxBits
	letterIdxMax  = 63 / letterIdxBits   // # of letter indices fitting in 63 bits
)

var src = rand.NewSource(time.Now().UnixNano())

func fatalErr(err error, t *testing.T) {
	if err != nil {
		t.Fatal(err.Error())
	}
}

func randString(n int) string {
	b := make([]byte, n)
	// A src.Int63() generates 63 random bits, enough for letterIdxMax characters!
	for i, cache, remain := n-1, src.Int63(), letterIdxMax; i >= 0; {
		if remain == 0 {
			cache, remain = src.Int63(), letterIdxMax
		}
		if idx := int(cache & letterIdxMask); idx < len(letterBytes) {
			b[i] = letterBytes[idx]
			i--
		}
		cache >>= letterIdxBits
		remain--
	}

	return string(b)
}

func randomAddress(t *testing.T) *dht.Address {
	addr, err := dht.RandomAddress()

	if err != nil {
		t.Fatal(err.Error())
	}

	return addr
}

func signEntry(t *testing.T, entry *dht.Entry, priv ed25519.PrivateKey) {
	dat, err := entry.Bytes()
	fatalErr(err, t)

	entry.Signature = ed25519.Sign(priv, dat)
}

func randomEntry(t *testing.T) *dht.Entry {
	pub, priv, err := ed25519.GenerateKey(nil)
	fatalErr(err, t)

	addr, err := dht.NewAddress(pub)
	fatalErr(err, t)

	entry := &dht.Entry{
		Name:          randString(rand.Intn(20) + 5),
		Address:       addr,
		PublicKey:     pub,
		PublicAddress: "127.0.0.1",
		Port:          5050,
		Updated:       uint64(time.Now().Unix()),
	}

	signEntry(t, entry, priv)

	return entry
}

func TestNetDBInsertAndLen(t *testing.T) {
	db := dht.NewNetDB(*randomAddress(t))
	entry := randomEntry(t)

	added, err := db.Insert(entry)
	fatalErr(err, t)

	if !added {
		t.Fatal("First insert should be new")
	}

	// again, should not grow
	added, err = db.Insert(entry)
	fatalErr(err, t)

	if added {
		t.Fatal("Second insert should not be new")
	}

	if db.Len() != 1 {
		t.Fatalf("Table length should be 1, is %d", db.Len())
	}

	found, err := db.Query(entry.Address)
	fatalErr(err, t)

	if !found.Address.Equals(&entry.Address) {
		t.Fatal("Queried the wrong entry")
	}

	if !db.Remove(entry.Address) || db.Len() != 0 {
		t.Fatal("Remove failed")
	}

	if _, err := db.Query(entry.Address); err != dht.ErrNotFound {
		t.Fatal("Removed entry should not be found")
	}
}

func TestNetDBRejectsBadEntries(t *testing.T) {
	db := dht.NewNetDB(*randomAddress(t))

	entry := randomEntry(t)
	entry.Port = 6060

	// signature no longer matches
	if _, err := db.Insert(entry); err == nil {
		t.Fatal("Tampered entry was inserted")
	}

	// an entry claiming someone else's address
	other := randomEntry(t)
	entry = randomEntry(t)
	entry.Address = other.Address

	if _, err := db.Insert(entry); err == nil {
		t.Fatal("Entry with a stolen address was inserted")
	}

	// our own entry never goes in the table
	self := randomEntry(t)
	db = dht.NewNetDB(self.Address)

	if _, err := db.Insert(self); err == nil {
		t.Fatal("Own entry was inserted")
	}
}

func TestNetDBFindClosest(t *testing.T) {
	db := dht.NewNetDB(*randomAddress(t))

	for i := 0; i < 50; i++ {
		_, err := db.Insert(randomEntry(t))
		fatalErr(err, t)
	}

	target := randomAddress(t)
	closest := db.FindClosest(*target, 10)

	if len(closest) != 10 {
		t.Fatalf("Expected 10 entries, got %d", len(closest))
	}

	for i := 1; i < len(closest); i++ {
		a := closest[i-1].Address.Xor(target)
		b := closest[i].Address.Xor(target)

		if b.Less(a) {
			t.Fatal("Entries not sorted by distance")
		}
	}

	// a small table gives everything back
	db = dht.NewNetDB(*randomAddress(t))
	db.Insert(randomEntry(t))
	db.Insert(randomEntry(t))

	if len(db.FindClosest(*target, 10)) != 2 {
		t.Fatal("Should return every entry when there are few")
	}
}

func TestShuffleEntries(t *testing.T) {
	entries := make(dht.Entries, 0)
	seen := make(map[string]bool)

	for i := 0; i < 10; i++ {
		e := randomEntry(t)
		entries = append(entries, e)
		seen[e.Address.StringOr("")] = true
	}

	dht.ShuffleEntries(entries)

	if len(entries) != 10 {
		t.Fatal("Shuffle changed the length")
	}

	for _, e := range entries {
		delete(seen, e.Address.StringOr(""))
	}

	if len(seen) != 0 {
		t.Fatal("Shuffle lost entries")
	}
}
