package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const staticKeyFile = "node_key.hex"

func agree(priv *ecdh.PrivateKey, peerPub []byte) ([]byte, error) {
	if len(peerPub) == 0 {
		return nil, errEmptyKeyData
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}

// Ephemeral is a single-handshake X25519 key. Destroy it once the shared
// secret is derived; every later use fails with ErrDestroyed.
type Ephemeral struct {
	priv *ecdh.PrivateKey
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ephemeral{priv: priv}, nil
}

func (e *Ephemeral) String() string   { return "Ephemeral{REDACTED}" }
func (e *Ephemeral) GoString() string { return e.String() }

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.priv == nil {
		return nil, ErrDestroyed
	}
	return e.priv.PublicKey().Bytes(), nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.priv == nil {
		return nil, ErrDestroyed
	}
	return agree(e.priv, peerPub)
}

func (e *Ephemeral) Destroy() {
	if e != nil {
		e.priv = nil
	}
}

// StaticKey is the node's long-lived X25519 identity.
type StaticKey struct {
	priv *ecdh.PrivateKey
}

func (k *StaticKey) String() string { return "StaticKey{REDACTED}" }

func GenerateStatic() (*StaticKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &StaticKey{priv: priv}, nil
}

func ParseStatic(raw []byte) (*StaticKey, error) {
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return &StaticKey{priv: priv}, nil
}

func (k *StaticKey) Public() [PublicKeySize]byte {
	var out [PublicKeySize]byte
	copy(out[:], k.priv.PublicKey().Bytes())
	return out
}

func (k *StaticKey) NodeID() string {
	pub := k.Public()
	return NodeID(pub[:])
}

func (k *StaticKey) Shared(peerPub []byte) ([]byte, error) {
	return agree(k.priv, peerPub)
}

func SaveStatic(dir string, k *StaticKey) error {
	if k == nil {
		return errors.New("nil static key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, staticKeyFile), []byte(hex.EncodeToString(k.priv.Bytes())), 0600)
}

func LoadStatic(dir string) (*StaticKey, error) {
	raw, err := os.ReadFile(filepath.Join(dir, staticKeyFile))
	if err != nil {
		return nil, err
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", staticKeyFile, err)
	}
	return ParseStatic(priv)
}

// LoadOrCreateStatic loads the node key from dir, generating and saving one
// on first start. The bool reports whether a key was generated.
func LoadOrCreateStatic(dir string) (*StaticKey, bool, error) {
	k, err := LoadStatic(dir)
	if err == nil {
		return k, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	if k, err = GenerateStatic(); err != nil {
		return nil, false, err
	}
	if err := SaveStatic(dir, k); err != nil {
		return nil, false, err
	}
	return k, true, nil
}
