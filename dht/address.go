// Generates a peer address given a public key
// Similar to the method Bitcoin uses
// see: https://en.bitcoin.it/wiki/Technical_background_of_version_1_Bitcoin_addresses

package dht

import (
	"bytes"
	"crypto/sha256"
	"errors"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/zif/peerd/util"
)

const AddressBinarySize = 20
const AddressVersion = 0x51

var (
	ErrBadChecksum = errors.New("Address checksum does not match")
	ErrBadVersion  = errors.New("Address version is not supported")
)

type Address struct {
	Raw []byte `msgpack:"raw"`
}

// Generates an Address from a PublicKey.
func NewAddress(key []byte) (addr Address, err error) {
	_, err = addr.Generate(key)

	return
}

// Returns Address.Raw base58check encoded, prefixed with the version byte.
// Base58 removes ambiguous characters, reducing the chances of address confusion.
func (a Address) String() (string, error) {
	if len(a.Raw) != AddressBinarySize {
		return "", errors.New("Address size invalid")
	}

	payload := make([]byte, 0, 1+AddressBinarySize+4)
	payload = append(payload, AddressVersion)
	payload = append(payload, a.Raw...)
	payload = append(payload, checksum(payload)...)

	return base58.Encode(payload), nil
}

func (a Address) StringOr(or string) string {
	str, err := a.String()

	if err != nil {
		return or
	}

	return str
}

func (a *Address) Bytes() ([]byte, error) {
	return a.Raw, nil
}

// Decodes a string address into address bytes.
func DecodeAddress(value string) (Address, error) {
	var addr Address

	payload, err := base58.Decode(value)

	if err != nil {
		return addr, err
	}

	if len(payload) != 1+AddressBinarySize+4 {
		return addr, errors.New("Address size invalid")
	}

	body, sum := payload[:len(payload)-4], payload[len(payload)-4:]

	if !bytes.Equal(checksum(body), sum) {
		return addr, ErrBadChecksum
	}

	if body[0] != AddressVersion {
		return addr, ErrBadVersion
	}

	addr.Raw = make([]byte, AddressBinarySize)
	copy(addr.Raw, body[1:])

	return addr, nil
}

func RandomAddress() (*Address, error) {
	rand, err := util.CryptoRandBytes(32)

	if err != nil {
		return nil, err
	}

	addr := Address{}
	_, err = addr.Generate(rand)

	return &addr, err
}

// Generate an address from a public key.
// This process involves one SHA3-256 iteration, followed by BLAKE2b. This is
// similar to bitcoin, and the BLAKE2b makes the resulting address a bit shorter
func (a *Address) Generate(key []byte) (string, error) {
	if len(key) != 32 {
		return "", (errors.New("Public key is not 32 bytes"))
	}

	// Why hash and not just use the pub key?
	// This way we can change curve or algorithm entirely, and still have
	// the same format for addresses.
	firstHash := sha3.Sum256(key)

	blake, err := blake2b.New(AddressBinarySize, nil)

	if err != nil {
		return "", err
	}

	blake.Write(firstHash[:])
	a.Raw = blake.Sum(nil)

	return a.String()
}

func (a *Address) Less(other *Address) bool {

	for i := 0; i < len(a.Raw); i++ {
		if a.Raw[i] != other.Raw[i] {
			return a.Raw[i] < other.Raw[i]
		}
	}

	return false
}

func (a *Address) Xor(other *Address) *Address {
	var ret Address
	ret.Raw = make([]byte, len(a.Raw))

	for i := 0; i < len(a.Raw); i++ {
		ret.Raw[i] = a.Raw[i] ^ other.Raw[i]
	}

	return &ret
}

// Counts the number of leading zeroes this address has.
// The address should be the result of an Xor.
// This shows the k-bucket that this address should go into.
func (a *Address) LeadingZeroes() int {

	for i := 0; i < len(a.Raw); i++ {
		for j := 0; j < 8; j++ {
			if (a.Raw[i]>>uint8(7-j))&0x1 != 0 {
				return i*8 + j
			}
		}
	}

	return len(a.Raw)*8 - 1
}

func (a *Address) Equals(other *Address) bool {
	return bytes.Equal(a.Raw, other.Raw)
}

// first four bytes of a double SHA-256, as base58check does it
func checksum(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])

	return second[:4]
}
