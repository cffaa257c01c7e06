// Package crypto holds the node's fixed primitive suite: X25519 for static
// and ephemeral agreement, a SHA3-256 KDF, XChaCha20-Poly1305 for sealed
// frames and keyed BLAKE2b for authenticate-only traffic.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

const (
	XKeySize      = chacha20poly1305.KeySize
	XNonceSize    = chacha20poly1305.NonceSizeX
	PublicKeySize = 32
)

const labelNodeID = "ilp:nodeid:v1"

var (
	ErrDestroyed    = errors.New("key destroyed")
	errEmptyKeyData = errors.New("empty key material")
)

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF hashes label followed by each part.
func KDF(label string, parts ...[]byte) []byte {
	h := sha3.New256()
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// NodeID is the hex SHA3 digest identifying the holder of a static key.
func NodeID(pub []byte) string {
	return hex.EncodeToString(KDF(labelNodeID, pub))
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != XKeySize {
		return nil, fmt.Errorf("aead key is %d bytes, want %d", len(key), XKeySize)
	}
	return chacha20poly1305.NewX(key)
}

// XSeal seals plaintext under key with a fresh random nonce.
func XSeal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func XOpen(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != XNonceSize {
		return nil, fmt.Errorf("nonce is %d bytes, want %d", len(nonce), XNonceSize)
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}
