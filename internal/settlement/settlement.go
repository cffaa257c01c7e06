// Package settlement defines how the connector settles fulfilled balances
// with a peer. Scheme business logic lives behind the Scheme interface.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"ilpnode/internal/store"
)

var (
	ErrBadProof  = errors.New("settlement: bad proof")
	ErrDuplicate = errors.New("settlement: proof already applied")
)

type Scheme interface {
	// SendMoney settles amount owed to peer.
	SendMoney(ctx context.Context, peer string, amount uint64) error
	// VerifyIncomingTransaction checks a peer's settlement proof and returns
	// the amount it credits.
	VerifyIncomingTransaction(ctx context.Context, peer string, proof []byte) (uint64, error)
}

// Proof is the settlement proof format understood by Recorder.
type Proof struct {
	Ref    string `json:"ref"`
	Amount uint64 `json:"amount"`
}

type state struct {
	Sent     uint64          `json:"sent"`
	Received uint64          `json:"received"`
	Refs     map[string]bool `json:"refs,omitempty"`
}

// Recorder is a scheme that moves no money. It keeps per-peer totals and,
// when Peers is set, persists them as the peer's settlement state.
type Recorder struct {
	Name  string
	Peers *store.Peers

	mu     sync.Mutex
	states map[string]*state
	fail   error
}

func NewRecorder(name string, peers *store.Peers) *Recorder {
	return &Recorder{Name: name, Peers: peers, states: make(map[string]*state)}
}

// FailWith makes every later SendMoney return err. Pass nil to clear.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *Recorder) stateLocked(peer string) *state {
	st, ok := r.states[peer]
	if ok {
		return st
	}
	st = &state{Refs: map[string]bool{}}
	if r.Peers != nil {
		if p, err := r.Peers.Get(peer); err == nil && len(p.SettlementState) > 0 {
			_ = json.Unmarshal(p.SettlementState, st)
			if st.Refs == nil {
				st.Refs = map[string]bool{}
			}
		}
	}
	r.states[peer] = st
	return st
}

func (r *Recorder) persistLocked(peer string, st *state) error {
	if r.Peers == nil {
		return nil
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.Peers.Put(store.Peer{NodeID: peer, SettlementScheme: r.Name, SettlementState: raw})
}

func (r *Recorder) SendMoney(ctx context.Context, peer string, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	st := r.stateLocked(peer)
	st.Sent += amount
	return r.persistLocked(peer, st)
}

func (r *Recorder) VerifyIncomingTransaction(ctx context.Context, peer string, proof []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var p Proof
	if err := json.Unmarshal(proof, &p); err != nil || p.Ref == "" {
		return 0, fmt.Errorf("%w from %s", ErrBadProof, peer)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(peer)
	if st.Refs[p.Ref] {
		return 0, fmt.Errorf("%w: %s", ErrDuplicate, p.Ref)
	}
	st.Refs[p.Ref] = true
	st.Received += p.Amount
	if err := r.persistLocked(peer, st); err != nil {
		return 0, err
	}
	return p.Amount, nil
}

// Totals reports what has been sent to and received from peer.
func (r *Recorder) Totals(peer string) (sent, received uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(peer)
	return st.Sent, st.Received
}
