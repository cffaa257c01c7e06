package routing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"ilpnode/internal/btp"
	"ilpnode/internal/ilp"
)

func TestConvergenceAndWithdrawal(t *testing.T) {
	tbl := NewTable()
	tbl.Update("P1", []Advertised{{Prefix: "g.d", Distance: 2}})
	tbl.Update("P2", []Advertised{{Prefix: "g.d", Distance: 2}})

	e, ok := tbl.Lookup("g.d")
	if !ok {
		t.Fatalf("g.d missing")
	}
	if e.Distance != 3 {
		t.Fatalf("distance = %d, want 3", e.Distance)
	}
	if diff := cmp.Diff([]string{"P1", "P2"}, e.Peers); diff != "" {
		t.Fatalf("peers (-want +got):\n%s", diff)
	}

	tbl.RemovePeer("P1")
	e, ok = tbl.Lookup("g.d")
	if !ok || e.Distance != 3 {
		t.Fatalf("after P1 removal: %+v %v", e, ok)
	}
	if diff := cmp.Diff([]string{"P2"}, e.Peers); diff != "" {
		t.Fatalf("peers (-want +got):\n%s", diff)
	}

	tbl.RemovePeer("P2")
	if _, ok := tbl.Lookup("g.d"); ok {
		t.Fatalf("g.d should be gone")
	}
}

func TestUpdateReplacesContribution(t *testing.T) {
	tbl := NewTable()
	tbl.Update("P1", []Advertised{{Prefix: "g.a", Distance: 0}, {Prefix: "g.b", Distance: 1}})
	tbl.Update("P2", []Advertised{{Prefix: "g.a", Distance: 4}})
	tbl.Update("P1", []Advertised{{Prefix: "g.b", Distance: 0}})

	e, ok := tbl.Lookup("g.a")
	if !ok || e.Distance != 5 || e.Peers[0] != "P2" {
		t.Fatalf("g.a = %+v %v", e, ok)
	}
	e, _ = tbl.Lookup("g.b")
	if e.Distance != 1 {
		t.Fatalf("g.b distance = %d", e.Distance)
	}
}

func TestShorterRouteWins(t *testing.T) {
	tbl := NewTable()
	tbl.Update("P1", []Advertised{{Prefix: "g.d", Distance: 5}})
	tbl.Update("P2", []Advertised{{Prefix: "g.d", Distance: 1}})
	e, _ := tbl.Lookup("g.d")
	if e.Distance != 2 || len(e.Peers) != 1 || e.Peers[0] != "P2" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestLongestPrefixLookup(t *testing.T) {
	tbl := NewTable()
	tbl.Update("wide", []Advertised{{Prefix: "g.example", Distance: 0}})
	tbl.Update("narrow", []Advertised{{Prefix: "g.example.bob", Distance: 3}})

	cases := map[ilp.Address]string{
		"g.example.bob":         "narrow",
		"g.example.bob.wallet":  "narrow",
		"g.example.bobby":       "wide",
		"g.example.alice.inbox": "wide",
	}
	for dest, want := range cases {
		peer, _, ok := tbl.NextHop(dest, "")
		if !ok || peer != want {
			t.Fatalf("NextHop(%s) = %q %v, want %q", dest, peer, ok, want)
		}
	}
	if _, _, ok := tbl.NextHop("g.other", ""); ok {
		t.Fatalf("g.other routed")
	}
}

func TestNextHopRoundRobin(t *testing.T) {
	tbl := NewTable()
	tbl.Update("P1", []Advertised{{Prefix: "g.d", Distance: 1}})
	tbl.Update("P2", []Advertised{{Prefix: "g.d", Distance: 1}})
	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		p, _, _ := tbl.NextHop("g.d.x", "")
		seen[p]++
	}
	if seen["P1"] != 5 || seen["P2"] != 5 {
		t.Fatalf("distribution = %v", seen)
	}
}

func TestNextHopSkipsExcludedPeer(t *testing.T) {
	tbl := NewTable()
	tbl.Update("P1", []Advertised{{Prefix: "g.d", Distance: 1}})
	tbl.Update("P2", []Advertised{{Prefix: "g.d", Distance: 1}})
	for i := 0; i < 4; i++ {
		p, _, ok := tbl.NextHop("g.d.x", "P1")
		if !ok || p != "P2" {
			t.Fatalf("call %d: NextHop = %q %v, want P2", i, p, ok)
		}
	}

	tbl.Update("P3", []Advertised{{Prefix: "g.e", Distance: 1}})
	p, e, ok := tbl.NextHop("g.e.x", "P3")
	if ok || p != "" {
		t.Fatalf("only tied peer excluded: NextHop = %q %v", p, ok)
	}
	if e.Prefix != "g.e" {
		t.Fatalf("entry prefix = %q, want g.e", e.Prefix)
	}
}

func TestLocalRoute(t *testing.T) {
	tbl := NewTable()
	tbl.SetLocal("g.me")
	tbl.Update("P1", []Advertised{{Prefix: "g.me", Distance: 0}})
	e, ok := tbl.Lookup("g.me.child")
	if !ok || !e.Local() || e.Distance != 0 {
		t.Fatalf("entry = %+v %v", e, ok)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	tbl := NewTable()
	tbl.Update("P1", []Advertised{{Prefix: "g.d", Distance: 1}})
	snap := tbl.Snapshot()
	tbl.RemovePeer("P1")
	if _, ok := snap.Get("g.d"); !ok {
		t.Fatalf("old snapshot changed")
	}
	if tbl.Snapshot().Len() != 0 {
		t.Fatalf("new snapshot not empty")
	}
}

func TestAdvertisementSplitHorizon(t *testing.T) {
	tbl := NewTable()
	tbl.SetLocal("g.me")
	tbl.Update("P1", []Advertised{{Prefix: "g.a", Distance: 0}})
	tbl.Update("P2", []Advertised{{Prefix: "g.b", Distance: 0}})

	got := tbl.Advertisement("P1")
	want := []Advertised{{Prefix: "g.b", Distance: 1}, {Prefix: "g.me", Distance: 0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("advertisement (-want +got):\n%s", diff)
	}
}

func TestConcurrentReadersDuringUpdates(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if e, ok := tbl.Lookup("g.d"); ok && len(e.Peers) == 0 {
					t.Errorf("empty tie set")
					return
				}
			}
		}()
	}
	for j := 0; j < 200; j++ {
		tbl.Update("P1", []Advertised{{Prefix: "g.d", Distance: uint32(j % 3)}})
		if j%2 == 0 {
			tbl.RemovePeer("P1")
		}
	}
	wg.Wait()
}

type recordingSender struct {
	mu   sync.Mutex
	sent map[string]*btp.RouteUpdate
	fail map[string]bool
}

func (s *recordingSender) SendRoutes(_ context.Context, peer string, u *btp.RouteUpdate) error {
	if s.fail[peer] {
		return errors.New("unreachable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[peer] = u
	return nil
}

func TestBroadcastOnce(t *testing.T) {
	tbl := NewTable()
	tbl.SetLocal("g.me")
	tbl.Update("P1", []Advertised{{Prefix: "g.a", Distance: 0}})
	sender := &recordingSender{sent: map[string]*btp.RouteUpdate{}, fail: map[string]bool{"P3": true}}
	b := &Broadcaster{
		Table:   tbl,
		Speaker: "g.me",
		Peers:   func() []string { return []string{"P1", "P2", "P3"} },
		Sender:  sender,
		Log:     zerolog.Nop(),
	}
	if n := b.BroadcastOnce(context.Background()); n != 2 {
		t.Fatalf("accepted = %d, want 2", n)
	}
	if got := len(sender.sent["P1"].Routes); got != 1 {
		t.Fatalf("P1 got %d routes, want 1", got)
	}
	if got := len(sender.sent["P2"].Routes); got != 2 {
		t.Fatalf("P2 got %d routes, want 2", got)
	}
	if sender.sent["P2"].Epoch != 1 {
		t.Fatalf("epoch = %d", sender.sent["P2"].Epoch)
	}
}
