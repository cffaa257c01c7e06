package connector

import (
	"sync"

	"ilpnode/internal/ilp"
)

type account struct {
	limit    uint64
	limited  bool
	reserved uint64
	payable  uint64
}

// Ledger tracks, per next-hop peer, how much is reserved by in-flight
// Prepares and how much is owed for fulfilled ones but not yet settled. A
// peer without a credit limit is unlimited.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account
}

func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

func (l *Ledger) acct(peer string) *account {
	a, ok := l.accounts[peer]
	if !ok {
		a = &account{}
		l.accounts[peer] = a
	}
	return a
}

func (l *Ledger) SetLimit(peer string, limit uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(peer)
	a.limit = limit
	a.limited = true
}

// Reserve holds amount against peer's limit.
func (l *Ledger) Reserve(peer string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(peer)
	if a.limited {
		used := a.reserved + a.payable
		if used > a.limit || amount > a.limit-used {
			return ilp.Failf(ilp.KindInsufficientLiquidity, "peer %s: %d in use of %d, cannot carry %d", peer, used, a.limit, amount)
		}
	}
	a.reserved += amount
	return nil
}

// Commit turns a reservation into a payable after a Fulfill.
func (l *Ledger) Commit(peer string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(peer)
	a.reserved -= min(amount, a.reserved)
	a.payable += amount
}

// Release drops a reservation after a Reject or expiry.
func (l *Ledger) Release(peer string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(peer)
	a.reserved -= min(amount, a.reserved)
}

// Settled reduces the payable once settlement succeeded.
func (l *Ledger) Settled(peer string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(peer)
	a.payable -= min(amount, a.payable)
}

// Balance reports reserved and payable amounts for peer.
func (l *Ledger) Balance(peer string) (reserved, payable uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(peer)
	return a.reserved, a.payable
}
