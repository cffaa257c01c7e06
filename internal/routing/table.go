// Package routing keeps the node's distance-vector routing table. Each peer
// contributes a complete route vector; the table derives, per destination, the
// minimum distance and every first hop that achieves it.
package routing

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"ilpnode/internal/btp"
	"ilpnode/internal/ilp"
)

// LocalHop is the first hop recorded for prefixes this node delivers itself.
const LocalHop = "self"

// Advertised is one route as received from a peer, before the hop is added.
type Advertised struct {
	Prefix   ilp.Address
	Distance uint32
}

// Entry is a routing table row. Peers is sorted and never empty.
type Entry struct {
	Prefix   ilp.Address
	Distance uint32
	Peers    []string
}

func (e Entry) Local() bool {
	return len(e.Peers) == 1 && e.Peers[0] == LocalHop
}

func (e Entry) via(peer string) bool {
	for _, p := range e.Peers {
		if p == peer {
			return true
		}
	}
	return false
}

// Snapshot is an immutable view of the table.
type Snapshot struct {
	entries map[ilp.Address]Entry
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

func (s *Snapshot) Get(prefix ilp.Address) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	e, ok := s.entries[prefix]
	return e, ok
}

// Entries lists all rows ordered by prefix.
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return nil
	}
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// Lookup returns the row for dest or for its longest prefix on a segment
// boundary.
func (s *Snapshot) Lookup(dest ilp.Address) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	for a := dest; a != ""; a = a.Parent() {
		if e, ok := s.entries[a]; ok {
			return e, true
		}
	}
	return Entry{}, false
}

// Table is safe for concurrent use. Readers load the current snapshot without
// locking; writers serialize on mu and publish a fresh snapshot.
type Table struct {
	mu      sync.Mutex
	local   map[ilp.Address]struct{}
	contrib map[string]map[ilp.Address]uint32

	snap atomic.Pointer[Snapshot]

	rrMu sync.Mutex
	rr   map[ilp.Address]uint64
}

func NewTable() *Table {
	t := &Table{
		local:   make(map[ilp.Address]struct{}),
		contrib: make(map[string]map[ilp.Address]uint32),
		rr:      make(map[ilp.Address]uint64),
	}
	t.snap.Store(&Snapshot{entries: map[ilp.Address]Entry{}})
	return t
}

// SetLocal registers prefix as delivered by this node at distance 0.
func (t *Table) SetLocal(prefix ilp.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local[prefix] = struct{}{}
	t.publishLocked()
}

// Update replaces everything peer previously advertised with routes. Routes
// at the maximum distance cannot be extended by one hop and are dropped.
func (t *Table) Update(peer string, routes []Advertised) {
	next := make(map[ilp.Address]uint32, len(routes))
	for _, r := range routes {
		if r.Distance == math.MaxUint32 {
			continue
		}
		d := r.Distance + 1
		if cur, ok := next[r.Prefix]; ok && cur <= d {
			continue
		}
		next[r.Prefix] = d
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contrib[peer] = next
	t.publishLocked()
}

// UpdateFrom applies a received route vector.
func (t *Table) UpdateFrom(peer string, u *btp.RouteUpdate) {
	routes := make([]Advertised, 0, len(u.Routes))
	for _, r := range u.Routes {
		routes = append(routes, Advertised{Prefix: r.Prefix, Distance: r.Distance})
	}
	t.Update(peer, routes)
}

// RemovePeer drops peer's contribution. Destinations nobody else reaches
// disappear.
func (t *Table) RemovePeer(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.contrib[peer]; !ok {
		return
	}
	delete(t.contrib, peer)
	t.publishLocked()
}

// Peers lists the peers with a current contribution.
func (t *Table) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.contrib))
	for p := range t.contrib {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (t *Table) publishLocked() {
	entries := make(map[ilp.Address]Entry)
	for peer, routes := range t.contrib {
		for prefix, d := range routes {
			e, ok := entries[prefix]
			switch {
			case !ok || d < e.Distance:
				entries[prefix] = Entry{Prefix: prefix, Distance: d, Peers: []string{peer}}
			case d == e.Distance:
				e.Peers = append(e.Peers, peer)
				entries[prefix] = e
			}
		}
	}
	for prefix, e := range entries {
		sort.Strings(e.Peers)
		entries[prefix] = e
	}
	for prefix := range t.local {
		entries[prefix] = Entry{Prefix: prefix, Distance: 0, Peers: []string{LocalHop}}
	}
	t.snap.Store(&Snapshot{entries: entries})
}

func (t *Table) Snapshot() *Snapshot {
	return t.snap.Load()
}

func (t *Table) Lookup(dest ilp.Address) (Entry, bool) {
	return t.Snapshot().Lookup(dest)
}

// NextHop picks the first hop for dest from the tie set, skipping exclude
// (the peer the packet came from), and rotates through the remaining peers on
// each call for the same prefix. When a route exists but every tied peer is
// excluded, the entry is returned with ok false.
func (t *Table) NextHop(dest ilp.Address, exclude string) (string, Entry, bool) {
	e, ok := t.Lookup(dest)
	if !ok {
		return "", Entry{}, false
	}
	candidates := e.Peers
	if exclude != "" && e.via(exclude) {
		candidates = make([]string, 0, len(e.Peers)-1)
		for _, p := range e.Peers {
			if p != exclude {
				candidates = append(candidates, p)
			}
		}
	}
	switch len(candidates) {
	case 0:
		return "", e, false
	case 1:
		return candidates[0], e, true
	}
	t.rrMu.Lock()
	n := t.rr[e.Prefix]
	t.rr[e.Prefix] = n + 1
	t.rrMu.Unlock()
	return candidates[n%uint64(len(candidates))], e, true
}

// Advertisement is the route vector this node sends to peer. Rows whose tie
// set includes peer are withheld (split horizon).
func (t *Table) Advertisement(peer string) []Advertised {
	var out []Advertised
	for _, e := range t.Snapshot().Entries() {
		if e.via(peer) {
			continue
		}
		out = append(out, Advertised{Prefix: e.Prefix, Distance: e.Distance})
	}
	return out
}
