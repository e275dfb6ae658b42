package peerd

import (
	"crypto/sha256"
	"errors"
	"os"

	"golang.org/x/crypto/ed25519"
)

// Generate a ed25519 keypair.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(nil)

	return priv, err
}

// A fixed identity derived from a single byte. Handy for local networks where
// peers need to know each other's address in advance.
func KeyFromSeed(seed byte) ed25519.PrivateKey {
	var raw [32]byte
	raw[0] = seed

	digest := sha256.Sum256(raw[:])

	return ed25519.NewKeyFromSeed(digest[:])
}

// Writes the private key to a file, in this way persisting your identity -
// all the other addresses can be generated from this, no need to save them.
func WriteKey(path string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return errors.New("Private key has the wrong size")
	}

	return os.WriteFile(path, key, 0400)
}

// Read the private key from file. The public key can then be generated from the
// private key.
func ReadKey(path string) (ed25519.PrivateKey, error) {
	pk, err := os.ReadFile(path)

	if err != nil {
		return nil, err
	}

	if len(pk) != ed25519.PrivateKeySize {
		return nil, errors.New("Identity file is corrupt")
	}

	return ed25519.PrivateKey(pk), nil
}

// Reads the key at path, creating it first if there is none.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	key, err := ReadKey(path)

	if err == nil {
		return key, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err = GenerateKey()

	if err != nil {
		return nil, err
	}

	return key, WriteKey(path, key)
}
