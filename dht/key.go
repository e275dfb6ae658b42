package dht

import (
	"errors"

	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

const MaxKeyLength = 1024

var ErrEmptyKey = errors.New("Key must not be empty")

// Keys typed by a user are hashed into a CID. The CID string is what records
// and providers are stored under, and its digest gives the point in address
// space that a lookup walks towards.
func KeyCid(key string) (cid.Cid, error) {
	if len(key) == 0 {
		return cid.Undef, ErrEmptyKey
	}

	if len(key) > MaxKeyLength {
		return cid.Undef, errors.New("Key is too long")
	}

	hash, err := mh.Sum([]byte(key), mh.SHA2_256, -1)

	if err != nil {
		return cid.Undef, err
	}

	return cid.NewCidV1(cid.Raw, hash), nil
}

// The address that peers responsible for a key are closest to.
func CidAddress(c cid.Cid) (Address, error) {
	decoded, err := mh.Decode(c.Hash())

	if err != nil {
		return Address{}, err
	}

	return NewAddress(decoded.Digest)
}

func KeyAddress(key string) (cid.Cid, Address, error) {
	c, err := KeyCid(key)

	if err != nil {
		return c, Address{}, err
	}

	addr, err := CidAddress(c)

	return c, addr, err
}
