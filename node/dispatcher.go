package node

import (
	"fmt"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/zif/peerd/overlay"
)

// Turns overlay events into lines for the user, keeping the peer directory and
// the query tracker up to date on the way.
type Dispatcher struct {
	tracker   *Tracker
	directory *Directory
}

func NewDispatcher(tracker *Tracker, directory *Directory) *Dispatcher {
	return &Dispatcher{tracker: tracker, directory: directory}
}

func (d *Dispatcher) Dispatch(ev overlay.Event) []string {
	switch e := ev.(type) {

	case overlay.PeerDiscovered:
		return d.peerDiscovered(e)
	case overlay.Listening:
		return lines("Local node is listening on %s", e.Addr)
	case overlay.Dialing:
		return d.dialing(e)
	case overlay.ConnectionEstablished:
		return d.connectionEstablished(e)
	case overlay.ConnectionClosed:
		return d.connectionClosed(e)
	case overlay.MessageReceived:
		return d.messageReceived(e)
	case overlay.QueryProgress:
		return lines("Query %s contacted %s (%d found so far)", e.Handle, e.Peer.Short(), e.Found)
	case overlay.QueryCompleted:
		return d.queryCompleted(e)
	case overlay.PingResult:
		return d.pingResult(e)

	default:
		log.WithField("event", fmt.Sprintf("%T", ev)).Error("Unknown event type")
		return lines("Ignoring unknown event %T", ev)
	}
}

func (d *Dispatcher) peerDiscovered(e overlay.PeerDiscovered) []string {
	if !d.directory.Touch(e.Peer, e.Addrs...) {
		return lines("Rediscovered peer %s", e.Peer)
	}

	return lines("Discovered a new peer: %s", e.Peer)
}

func (d *Dispatcher) dialing(e overlay.Dialing) []string {
	if e.Peer == "" {
		return lines("Dialing %s", e.Addr)
	}

	d.directory.Touch(e.Peer, e.Addr)

	return lines("Dialing %s at %s", e.Peer, e.Addr)
}

func (d *Dispatcher) connectionEstablished(e overlay.ConnectionEstablished) []string {
	d.directory.Touch(e.Peer, e.Addr)
	d.directory.SetConnected(e.Peer, true)

	direction := "inbound"
	if e.Outbound {
		direction = "outbound"
	}

	return lines("Connection established with %s (%s, %d connected)", e.Peer, direction, d.directory.Connected())
}

func (d *Dispatcher) connectionClosed(e overlay.ConnectionClosed) []string {
	if _, has := d.directory.Get(e.Peer); has {
		d.directory.SetConnected(e.Peer, false)
	}

	if e.Cause != nil {
		return lines("Connection closed with %s: %s", e.Peer, e.Cause)
	}

	return lines("Connection closed with %s", e.Peer)
}

func (d *Dispatcher) messageReceived(e overlay.MessageReceived) []string {
	d.directory.Touch(e.From)

	if utf8.Valid(e.Data) {
		return lines("Received message: '%s' with id: %s from peer: %s", string(e.Data), e.ID, e.From)
	}

	return lines("Received message: <binary %d bytes> with id: %s from peer: %s", len(e.Data), e.ID, e.From)
}

func (d *Dispatcher) queryCompleted(e overlay.QueryCompleted) []string {
	rq, err := d.tracker.Resolve(e.Handle)

	if err != nil {
		log.WithField("handle", e.Handle).Debug("Completion for a query that is not pending")
		return lines("Query %s completed, but it is no longer pending (late or duplicate result)", e.Handle)
	}

	if e.Err != nil {
		return lines("%s %s failed: %s", rq.Kind, rq.Key, e.Err)
	}

	switch rq.Kind {

	case overlay.KindGet:
		if !e.Result.Found {
			return lines("GET %s: not found", rq.Key)
		}

		return lines("GET %s: %s", rq.Key, string(e.Result.Value))

	case overlay.KindGetProviders:
		if len(e.Result.Providers) == 0 {
			return lines("GET_PROVIDERS %s: no providers", rq.Key)
		}

		providers := make([]string, len(e.Result.Providers))
		for i, p := range e.Result.Providers {
			providers[i] = p.String()
		}

		return lines("GET_PROVIDERS %s: %s", rq.Key, strings.Join(providers, ", "))

	case overlay.KindPut:
		return lines("PUT %s: stored on %d peer(s)", rq.Key, e.Result.Stored)

	case overlay.KindPutProvider:
		return lines("PUT_PROVIDER %s: announced to %d peer(s)", rq.Key, e.Result.Stored)
	}

	return lines("Query %s completed", e.Handle)
}

func (d *Dispatcher) pingResult(e overlay.PingResult) []string {
	if e.Err != nil {
		return lines("ping: failure with %s: %s", e.Peer, e.Err)
	}

	d.directory.Touch(e.Peer)

	return lines("ping: rtt to %s is %d ms", e.Peer, e.RTT.Milliseconds())
}

func lines(format string, args ...interface{}) []string {
	return []string{fmt.Sprintf(format, args...)}
}
