// The boundary between the interactive node and the peer-to-peer network.
// Anything that can hand out query handles and produce events fits here, the
// node itself never looks further than this package.

package overlay

import (
	"errors"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
)

// errors

var (
	ErrInsufficientPeers = errors.New("No peers to publish to")
	ErrClosed            = errors.New("Overlay is closed")
)

// The base58check encoded address of a peer. Assigned once, compared by
// equality only.
type PeerID string

func (p PeerID) String() string {
	return string(p)
}

// Short form, used when printing lines for a human.
func (p PeerID) Short() string {
	if len(p) <= 10 {
		return string(p)
	}

	return string(p[:4]) + "…" + string(p[len(p)-6:])
}

// Correlates an issued distributed operation with its completion. Handles are
// handed out by a counter and never reused.
type QueryHandle uint64

func (h QueryHandle) String() string {
	return fmt.Sprintf("#%d", uint64(h))
}

type QueryKind int

const (
	KindGet QueryKind = iota
	KindGetProviders
	KindPut
	KindPutProvider
)

func (k QueryKind) String() string {
	switch k {
	case KindGet:
		return "GET"
	case KindGetProviders:
		return "GET_PROVIDERS"
	case KindPut:
		return "PUT"
	case KindPutProvider:
		return "PUT_PROVIDER"
	}

	return fmt.Sprintf("QueryKind(%d)", int(k))
}

// What a finished query produced. Which fields are meaningful depends on the
// kind of query.
type QueryResult struct {
	// GET
	Value []byte
	Found bool

	// GET_PROVIDERS
	Providers []PeerID

	// PUT, PUT_PROVIDER: how many remote peers accepted the record
	Stored int
}

type Overlay interface {
	// Binds the listeners. Called once, before anything else.
	Listen() ([]ma.Multiaddr, error)

	// Best effort publish to every peer subscribed to the topic.
	Broadcast(text string) error

	PutRecord(key string, value []byte) (QueryHandle, error)
	GetRecord(key string) (QueryHandle, error)
	AnnounceProvider(key string) (QueryHandle, error)
	FindProviders(key string) (QueryHandle, error)

	// Every event the overlay produces, in the order it produced them. A
	// closed channel means the overlay died.
	Events() <-chan Event
}

// An overlay that also moves content between the peers providing a key and
// the peers asking for it.
type ContentOverlay interface {
	Overlay

	// Serves data under key and announces this peer as a provider of it.
	ProvideContent(key string, data []byte) (QueryHandle, error)

	// Fetches from the first provider that answers. Value holds the content,
	// Providers the peer that served it.
	FetchContent(key string) (QueryHandle, error)
}
