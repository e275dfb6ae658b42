package dht

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
	msgpack "github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/ed25519"

	"github.com/zif/peerd/util"
)

const (
	MaxEntryNameLength          = 32
	MaxEntryPublicAddressLength = 253
)

// This is an entry into the DHT. It is used to connect to a peer given just
// its address, and is what peers swap during a handshake.
type Entry struct {
	Address       Address `msgpack:"address" json:"address"`
	Name          string  `msgpack:"name" json:"name"`
	PublicAddress string  `msgpack:"publicAddress" json:"publicAddress"`
	Port          int     `msgpack:"port" json:"port"`
	PublicKey     []byte  `msgpack:"publicKey" json:"publicKey"`
	Updated       uint64  `msgpack:"updated" json:"updated"`

	// The owner of this entry should have signed it. We can verify that a
	// peer owns a public key by generating an address from it, so nobody can
	// use someone else's entry for their own address.
	Signature []byte `msgpack:"signature" json:"signature"`

	// Used in the FindClosest function, for sorting.
	distance Address
}

// true if JSON, false if msgpack
func DecodeEntry(data []byte, isJson bool) (*Entry, error) {
	var err error
	e := &Entry{}

	if isJson {
		err = json.Unmarshal(data, e)
	} else {
		err = msgpack.Unmarshal(data, e)
	}

	if err != nil {
		return nil, err
	}

	return e, nil
}

// This is signed, *not* the encoded form. Field order in an encoding is not
// guaranteed, which can lead to invalid signatures.
func (e Entry) Bytes() ([]byte, error) {
	ret, err := e.String()
	return []byte(ret), err
}

func (e Entry) String() (string, error) {
	var str string

	str += e.Name
	str += string(e.PublicKey)
	str += strconv.Itoa(e.Port)
	str += e.PublicAddress
	str += e.Address.StringOr("")
	str += strconv.FormatUint(e.Updated, 10)

	return str, nil
}

func (e Entry) Encode() ([]byte, error) {
	return msgpack.Marshal(e)
}

// Returns a JSON encoded string, not msgpack. This is because it is likely
// going to be seen by a human, otherwise it would be bytes.
func (e Entry) EncodeString() (string, error) {
	enc, err := json.Marshal(e)

	if err != nil {
		return "", err
	}

	return string(enc), err
}

// host:port, ready for net.Dial
func (e Entry) DialAddress() string {
	return net.JoinHostPort(e.PublicAddress, strconv.Itoa(e.Port))
}

func (e Entry) Multiaddr() (ma.Multiaddr, error) {
	return util.ToMultiaddr(e.DialAddress())
}

// Fills in the parts of the entry that come from the keypair, then signs it.
func (e *Entry) SetLocalPeer(lp Node) {
	e.Address = *lp.Address()

	e.PublicKey = make([]byte, len(lp.PublicKey()))
	copy(e.PublicKey, lp.PublicKey())
}

type Entries []*Entry

func (e Entries) Len() int {
	return len(e)
}

func (e Entries) Swap(i, j int) {
	e[i], e[j] = e[j], e[i]
}

func (e Entries) Less(i, j int) bool {
	return e[i].distance.Less(&e[j].distance)
}

// Ensures that all the members of an entry struct fit the requirements of the
// protocol. If an entry passes this, then we should be able to dial it.
func (entry *Entry) Verify() error {
	if entry == nil {
		return errors.New("Entry is nil")
	}

	if len(entry.Address.Raw) != AddressBinarySize {
		return errors.New("Address size invalid")
	}

	if len(entry.Name) > MaxEntryNameLength {
		return errors.New("Entry name is too long")
	}

	if len(entry.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("Public key has the wrong size: %d", len(entry.PublicKey))
	}

	// the address must come from the key, or anyone could claim it
	derived, err := NewAddress(entry.PublicKey)

	if err != nil {
		return err
	}

	if !derived.Equals(&entry.Address) {
		return errors.New("Address does not match public key")
	}

	if len(entry.Signature) < ed25519.SignatureSize {
		return errors.New("Signature too small")
	}

	data, _ := entry.Bytes()
	verified := ed25519.Verify(entry.PublicKey, data, entry.Signature[:ed25519.SignatureSize])

	if !verified {
		return errors.New("Failed to verify signature")
	}

	if len(entry.PublicAddress) == 0 {
		return errors.New("Public address must be set")
	}

	// 253 is the maximum length of a domain name
	if len(entry.PublicAddress) >= MaxEntryPublicAddressLength {
		return errors.New("Public address is too large (253 char max)")
	}

	if entry.Port <= 0 || entry.Port > 65535 {
		return fmt.Errorf("Port out of range (%d)", entry.Port)
	}

	return nil
}

func ShuffleEntries(slice Entries) {
	for i := range slice {
		j := util.CryptoRandInt(0, int64(i+1))

		slice[i], slice[j] = slice[j], slice[i]
	}
}
