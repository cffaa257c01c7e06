package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Node is created on first contact and updated on renewal. Nodes are never
// deleted implicitly.
type Node struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
	URL       string `json:"url,omitempty"`
	Alias     string `json:"alias,omitempty"`
}

// Peer is a node this node settles with.
type Peer struct {
	NodeID           string `json:"node_id"`
	SettlementScheme string `json:"settlement_scheme"`
	SettlementState  []byte `json:"settlement_state,omitempty"`
}

type Registration struct {
	NodeID       string    `json:"node_id"`
	RegisteredAt time.Time `json:"registered_at"`
	RenewedAt    time.Time `json:"renewed_at"`
}

var errEmptyID = errors.New("store: empty id")

type Nodes struct{ Rows Rows }

func (r Nodes) Get(id string) (Node, error) {
	var n Node
	err := r.Rows.Get(TableNodes, id, &n)
	return n, err
}

func (r Nodes) Put(n Node) error {
	if n.ID == "" {
		return errEmptyID
	}
	return r.Rows.Put(TableNodes, n.ID, n)
}

func (r Nodes) List() ([]Node, error) {
	return listAs[Node](r.Rows, TableNodes)
}

type Peers struct{ Rows Rows }

func (r Peers) Get(nodeID string) (Peer, error) {
	var p Peer
	err := r.Rows.Get(TablePeers, nodeID, &p)
	return p, err
}

func (r Peers) Put(p Peer) error {
	if p.NodeID == "" {
		return errEmptyID
	}
	return r.Rows.Put(TablePeers, p.NodeID, p)
}

func (r Peers) List() ([]Peer, error) {
	return listAs[Peer](r.Rows, TablePeers)
}

type Registrations struct{ Rows Rows }

func (r Registrations) Get(nodeID string) (Registration, error) {
	var reg Registration
	err := r.Rows.Get(TableRegistrations, nodeID, &reg)
	return reg, err
}

func (r Registrations) Put(reg Registration) error {
	if reg.NodeID == "" {
		return errEmptyID
	}
	return r.Rows.Put(TableRegistrations, reg.NodeID, reg)
}

func (r Registrations) List() ([]Registration, error) {
	return listAs[Registration](r.Rows, TableRegistrations)
}

func listAs[T any](rows Rows, table string) ([]T, error) {
	raws, err := rows.List(table)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
