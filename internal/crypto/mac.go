package crypto

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const MACSize = blake2b.Size256

// MAC is keyed BLAKE2b-256 over msg.
func MAC(key, msg []byte) ([]byte, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, fmt.Errorf("bad mac key size %d", len(key))
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	h.Write(msg)
	return h.Sum(nil), nil
}

func VerifyMAC(key, msg, tag []byte) bool {
	want, err := MAC(key, msg)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, tag) == 1
}
