package session

import (
	"errors"
	"sync"
	"time"

	"ilpnode/internal/store"
)

const DefaultRegistrationExpiry = 30 * 24 * time.Hour

// Registry records which nodes have registered and when they last renewed.
type Registry struct {
	Nodes         store.Nodes
	Registrations store.Registrations
	Expiry        time.Duration

	mu sync.Mutex
}

func NewRegistry(rows store.Rows, expiry time.Duration) *Registry {
	if expiry <= 0 {
		expiry = DefaultRegistrationExpiry
	}
	return &Registry{
		Nodes:         store.Nodes{Rows: rows},
		Registrations: store.Registrations{Rows: rows},
		Expiry:        expiry,
	}
}

// Register stores n and records a registration at at. A node that is already
// registered is renewed instead; its stored fields are only overwritten by
// non-empty values.
func (r *Registry) Register(n store.Node, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.merge(n); err != nil {
		return err
	}
	reg, err := r.Registrations.Get(n.ID)
	switch {
	case err == nil:
		reg.RenewedAt = at
	case errors.Is(err, store.ErrNotFound):
		reg = store.Registration{NodeID: n.ID, RegisteredAt: at, RenewedAt: at}
	default:
		return err
	}
	return r.Registrations.Put(reg)
}

// Upsert stores n without touching its registration, keeping any stored
// field n leaves empty.
func (r *Registry) Upsert(n store.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.merge(n)
}

func (r *Registry) merge(n store.Node) error {
	prev, err := r.Nodes.Get(n.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	default:
		if n.PublicKey == "" {
			n.PublicKey = prev.PublicKey
		}
		if n.URL == "" {
			n.URL = prev.URL
		}
		if n.Alias == "" {
			n.Alias = prev.Alias
		}
	}
	return r.Nodes.Put(n)
}

// Renew bumps the renewal time of an existing registration.
func (r *Registry) Renew(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.Registrations.Get(id)
	if err != nil {
		return err
	}
	reg.RenewedAt = at
	return r.Registrations.Put(reg)
}

// IsStale reports whether id has not renewed within the expiry window.
// Unknown nodes are stale.
func (r *Registry) IsStale(id string, now time.Time) (bool, error) {
	reg, err := r.Registrations.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return now.Sub(reg.RenewedAt) >= r.Expiry, nil
}

func (r *Registry) Node(id string) (store.Node, error) {
	return r.Nodes.Get(id)
}
