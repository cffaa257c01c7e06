// Package session manages per-peer symmetric session keys: the X25519
// handshake that creates them, sealing and opening of peer messages, key
// expiry and the node registry fed by first contact.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ilpnode/internal/crypto"
)

const DefaultKeyTTL = 7 * 24 * time.Hour

var (
	ErrNoKey    = errors.New("session: no key")
	ErrStaleKey = errors.New("session: stale key")
)

// KeyEntry is the session material shared with one node.
type KeyEntry struct {
	NodeID       string
	EphemeralKey [crypto.PublicKeySize]byte
	Keys         crypto.SessionKeys
	CreatedAt    time.Time
}

// KeyStore holds one entry per node. Readers see an immutable snapshot.
type KeyStore struct {
	ttl time.Duration

	mu   sync.Mutex
	snap atomic.Pointer[map[string]KeyEntry]
}

func NewKeyStore(ttl time.Duration) *KeyStore {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	s := &KeyStore{ttl: ttl}
	empty := map[string]KeyEntry{}
	s.snap.Store(&empty)
	return s
}

func (s *KeyStore) TTL() time.Duration { return s.ttl }

// Get returns the entry for id if it is younger than the TTL at now.
func (s *KeyStore) Get(id string, now time.Time) (KeyEntry, error) {
	e, ok := (*s.snap.Load())[id]
	if !ok {
		return KeyEntry{}, fmt.Errorf("%w for %s", ErrNoKey, id)
	}
	if now.Sub(e.CreatedAt) >= s.ttl {
		return KeyEntry{}, fmt.Errorf("%w for %s (created %s)", ErrStaleKey, id, e.CreatedAt.UTC().Format(time.RFC3339))
	}
	return e, nil
}

func (s *KeyStore) Put(e KeyEntry) {
	s.update(func(m map[string]KeyEntry) { m[e.NodeID] = e })
}

func (s *KeyStore) Delete(id string) {
	s.update(func(m map[string]KeyEntry) { delete(m, id) })
}

// Prune drops every entry that has outlived the TTL and reports how many.
func (s *KeyStore) Prune(now time.Time) int {
	n := 0
	s.update(func(m map[string]KeyEntry) {
		for id, e := range m {
			if now.Sub(e.CreatedAt) >= s.ttl {
				delete(m, id)
				n++
			}
		}
	})
	return n
}

func (s *KeyStore) Len() int {
	return len(*s.snap.Load())
}

func (s *KeyStore) update(fn func(map[string]KeyEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := *s.snap.Load()
	next := make(map[string]KeyEntry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	fn(next)
	s.snap.Store(&next)
}
