package util_test

import (
	"testing"
	"time"

	"github.com/zif/peerd/util"
)

func TestParseDialAddress(t *testing.T) {
	good := map[string]string{
		"/ip4/127.0.0.1/tcp/5050":                "127.0.0.1:5050",
		"/ip4/127.0.0.1/tcp/5050/p2p/QmPeer":     "127.0.0.1:5050",
		"/ip4/10.1.2.3/tcp/4001/ipfs/QmSomePeer": "10.1.2.3:4001",
		"/ip6/::1/tcp/80":                        "[::1]:80",
		"/dns4/example.com/tcp/443":              "example.com:443",
		"localhost:5050":                         "localhost:5050",
	}

	for in, want := range good {
		got, err := util.ParseDialAddress(in)

		if err != nil {
			t.Fatalf("%s: %s", in, err.Error())
		}

		if got != want {
			t.Errorf("%s: got %s, want %s", in, got, want)
		}
	}

	bad := []string{"", "nonsense", "/ip4/127.0.0.1/udp/5050", "/ip4/999.0.0.1/tcp/1", ":5050"}

	for _, in := range bad {
		if _, err := util.ParseDialAddress(in); err == nil {
			t.Errorf("%q should not parse", in)
		}
	}
}

func TestLimiter(t *testing.T) {
	l := util.NewLimiter(time.Hour, 2, true)

	if !l.Wait() || !l.Wait() {
		t.Fatal("Burst tokens should be available")
	}

	go l.Stop()

	if l.Wait() {
		t.Fatal("Wait should fail after Stop")
	}
}
