package node

import (
	"errors"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zif/peerd/overlay"
)

func newTestDispatcher() (*Dispatcher, *Tracker, *Directory) {
	tr := NewTracker()
	dir := NewDirectory()

	return NewDispatcher(tr, dir), tr, dir
}

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	addr, err := ma.NewMultiaddr(s)
	require.NoError(t, err)

	return addr
}

func TestDispatchConnectionLifecycle(t *testing.T) {
	d, _, dir := newTestDispatcher()
	addr := mustAddr(t, "/ip4/127.0.0.1/tcp/5050")

	out := d.Dispatch(overlay.PeerDiscovered{Peer: "peer-a", Addrs: []ma.Multiaddr{addr}})
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "Discovered a new peer: peer-a")

	// duplicates are harmless
	out = d.Dispatch(overlay.PeerDiscovered{Peer: "peer-a", Addrs: []ma.Multiaddr{addr}})
	require.Len(t, out, 1)
	assert.Equal(t, 1, dir.Len())

	rec, has := dir.Get("peer-a")
	require.True(t, has)
	assert.Len(t, rec.Addrs, 1)

	out = d.Dispatch(overlay.ConnectionEstablished{Peer: "peer-a", Addr: addr, Outbound: true})
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "outbound")
	assert.Equal(t, 1, dir.Connected())

	out = d.Dispatch(overlay.ConnectionClosed{Peer: "peer-a", Cause: errors.New("heartbeat lost")})
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "heartbeat lost")
	assert.Equal(t, 0, dir.Connected())

	// closing a peer we never knew does not add it
	d.Dispatch(overlay.ConnectionClosed{Peer: "ghost"})
	_, has = dir.Get("ghost")
	assert.False(t, has)
}

func TestDispatchListeningAndDialing(t *testing.T) {
	d, _, dir := newTestDispatcher()
	addr := mustAddr(t, "/ip4/10.0.0.1/tcp/4001")

	out := d.Dispatch(overlay.Listening{Addr: addr})
	assert.Equal(t, []string{"Local node is listening on /ip4/10.0.0.1/tcp/4001"}, out)

	out = d.Dispatch(overlay.Dialing{Addr: addr})
	assert.Equal(t, []string{"Dialing /ip4/10.0.0.1/tcp/4001"}, out)
	assert.Equal(t, 0, dir.Len())

	d.Dispatch(overlay.Dialing{Peer: "peer-b", Addr: addr})
	assert.Equal(t, 1, dir.Len())
}

func TestDispatchMessageReceived(t *testing.T) {
	d, _, _ := newTestDispatcher()

	out := d.Dispatch(overlay.MessageReceived{From: "peer-a", ID: "m1", Data: []byte("hello")})
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "'hello'")
	assert.Contains(t, out[0], "peer-a")

	out = d.Dispatch(overlay.MessageReceived{From: "peer-a", ID: "m2", Data: []byte{0xff, 0xfe, 0x00}})
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "<binary 3 bytes>")
}

func TestDispatchQueryCompleted(t *testing.T) {
	d, tr, _ := newTestDispatcher()

	tr.Issue(1, overlay.KindGet, "found")
	tr.Issue(2, overlay.KindGet, "missing")
	tr.Issue(3, overlay.KindGetProviders, "file")
	tr.Issue(4, overlay.KindGetProviders, "nobody")
	tr.Issue(5, overlay.KindPut, "k")
	tr.Issue(6, overlay.KindPutProvider, "k")
	tr.Issue(7, overlay.KindPut, "broken")

	tests := []struct {
		ev   overlay.QueryCompleted
		want string
	}{
		{overlay.QueryCompleted{Handle: 1, Result: overlay.QueryResult{Found: true, Value: []byte("v")}}, "GET found: v"},
		{overlay.QueryCompleted{Handle: 2}, "GET missing: not found"},
		{overlay.QueryCompleted{Handle: 3, Result: overlay.QueryResult{Providers: []overlay.PeerID{"p1", "p2"}}}, "GET_PROVIDERS file: p1, p2"},
		{overlay.QueryCompleted{Handle: 4}, "GET_PROVIDERS nobody: no providers"},
		{overlay.QueryCompleted{Handle: 5, Result: overlay.QueryResult{Stored: 2}}, "PUT k: stored on 2 peer(s)"},
		{overlay.QueryCompleted{Handle: 6, Result: overlay.QueryResult{Stored: 1}}, "PUT_PROVIDER k: announced to 1 peer(s)"},
		{overlay.QueryCompleted{Handle: 7, Err: errors.New("quorum failed")}, "PUT broken failed: quorum failed"},
	}

	for _, tt := range tests {
		assert.Equal(t, []string{tt.want}, d.Dispatch(tt.ev))
	}

	assert.Equal(t, 0, tr.Len())
}

func TestDispatchLateCompletion(t *testing.T) {
	d, tr, _ := newTestDispatcher()

	tr.Issue(1, overlay.KindGet, "k")
	tr.Sweep(time.Now().Add(time.Hour), time.Second)

	out := d.Dispatch(overlay.QueryCompleted{Handle: 1, Result: overlay.QueryResult{Found: true}})
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "no longer pending")
	assert.Equal(t, 0, tr.Len())
}

func TestDispatchProgressLeavesTracker(t *testing.T) {
	d, tr, _ := newTestDispatcher()

	tr.Issue(1, overlay.KindGetProviders, "k")

	out := d.Dispatch(overlay.QueryProgress{Handle: 1, Peer: "peer-a", Found: 2})
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "2 found so far")
	assert.Equal(t, 1, tr.Len())
}

func TestDispatchPing(t *testing.T) {
	d, _, _ := newTestDispatcher()

	out := d.Dispatch(overlay.PingResult{Peer: "peer-a", RTT: time.Millisecond * 42})
	assert.Equal(t, []string{"ping: rtt to peer-a is 42 ms"}, out)

	out = d.Dispatch(overlay.PingResult{Peer: "peer-a", Err: errors.New("Timeout")})
	assert.Equal(t, []string{"ping: failure with peer-a: Timeout"}, out)
}

func TestDirectoryPrune(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	dir := NewDirectory()
	dir.now = c.now

	dir.Touch("stale")
	dir.Touch("connected")
	dir.SetConnected("connected", true)

	c.advance(time.Minute * 5)
	dir.Touch("fresh")

	removed := dir.Prune(c.t.Add(time.Minute*6), time.Minute*10)
	assert.Equal(t, []overlay.PeerID{"stale"}, removed)
	assert.Equal(t, 2, dir.Len())
}
