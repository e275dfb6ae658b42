package jobs

import (
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/zif/peerd/dht"
)

func randomEntry(t *testing.T) *dht.Entry {
	pub, _, err := ed25519.GenerateKey(nil)

	if err != nil {
		t.Fatal(err.Error())
	}

	addr, err := dht.NewAddress(pub)

	if err != nil {
		t.Fatal(err.Error())
	}

	return &dht.Entry{Address: addr, PublicKey: pub}
}

type knows dht.Entries

func (k knows) FindClosest(dht.Address) (dht.Entries, error) {
	return dht.Entries(k), nil
}

func TestExplorerFollowsNewEntries(t *testing.T) {
	self := randomEntry(t)
	first := randomEntry(t)
	second := randomEntry(t)
	unreachable := randomEntry(t)

	peers := map[string]knows{
		first.Address.StringOr(""):  {self, second},
		second.Address.StringOr(""): {first, unreachable},
	}

	var mu sync.Mutex
	found := map[string]bool{}

	ex := NewExplorer(ExploreConfig{
		Self:      self.Address,
		Frequency: time.Hour,
		Seed:      func() dht.Entries { return dht.Entries{first} },
		Connect: func(e *dht.Entry) (Explorable, error) {
			if p, ok := peers[e.Address.StringOr("")]; ok {
				return p, nil
			}

			return nil, errors.New("unreachable")
		},
		Found: func(e *dht.Entry) bool {
			mu.Lock()
			defer mu.Unlock()

			s := e.Address.StringOr("")
			isNew := !found[s]
			found[s] = true

			return isNew
		},
	})

	// first tick seeds and explores first, the next follows on to second
	ex.tick()
	ex.tick()
	ex.tick()

	mu.Lock()
	defer mu.Unlock()

	if found[self.Address.StringOr("")] {
		t.Fatal("Explorer reported our own entry")
	}

	for _, e := range []*dht.Entry{first, second, unreachable} {
		if !found[e.Address.StringOr("")] {
			t.Fatalf("Entry %s not found", e.Address.StringOr(""))
		}
	}
}

func TestExplorerStop(t *testing.T) {
	ex := NewExplorer(ExploreConfig{Seed: func() dht.Entries { return nil }})
	ex.Start()
	ex.Stop()
	ex.Stop()
}
