package connector

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ilpnode/internal/ilp"
	"ilpnode/internal/routing"
	"ilpnode/internal/settlement"
)

var (
	preimage  = [32]byte{1, 2, 3}
	condition = sha256.Sum256(preimage[:])
)

type fakeForwarder struct {
	mu      sync.Mutex
	calls   int
	got     []*ilp.Prepare
	peers   []string
	started chan struct{}
	respond func(ctx context.Context, p *ilp.Prepare) (ilp.Packet, error)
}

func (f *fakeForwarder) Forward(ctx context.Context, peer string, p *ilp.Prepare) (ilp.Packet, error) {
	f.mu.Lock()
	f.calls++
	f.got = append(f.got, p)
	f.peers = append(f.peers, peer)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.respond == nil {
		return &ilp.Fulfill{Fulfillment: preimage}, nil
	}
	return f.respond(ctx, p)
}

func (f *fakeForwarder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestConnector(fwd Forwarder, now func() time.Time) *Connector {
	return New(Options{
		Address:   "g.connector",
		Table:     routing.NewTable(),
		Forwarder: fwd,
		Log:       zerolog.Nop(),
		Now:       now,
	})
}

func prepare(dest ilp.Address, amount uint64, expires time.Time) *ilp.Prepare {
	return &ilp.Prepare{Amount: amount, ExpiresAt: expires, ExecutionCondition: condition, Destination: dest}
}

func rejectCode(t *testing.T, p ilp.Packet) string {
	t.Helper()
	r, ok := p.(*ilp.Reject)
	if !ok {
		t.Fatalf("expected reject, got %T", p)
	}
	return r.Code
}

func TestUnroutablePrepareIsRejectedF02(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fwd := &fakeForwarder{}
	c := newTestConnector(fwd, func() time.Time { return now })
	out := c.HandlePrepare(context.Background(), "sender", prepare("g.example.bob", 100, now.Add(5*time.Second)))
	if code := rejectCode(t, out); code != ilp.CodeUnreachable {
		t.Fatalf("code = %s, want F02", code)
	}
	if rej := out.(*ilp.Reject); rej.TriggeredBy != "g.connector" {
		t.Fatalf("triggeredBy = %q", rej.TriggeredBy)
	}
	if fwd.Calls() != 0 {
		t.Fatalf("forwarder called")
	}
}

func TestForwardDecrementsExpiry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fwd := &fakeForwarder{}
	c := newTestConnector(fwd, func() time.Time { return now })
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 1}})

	in := prepare("g.example.bob", 100, now.Add(5*time.Second))
	out := c.HandlePrepare(context.Background(), "sender", in)
	if _, ok := out.(*ilp.Fulfill); !ok {
		t.Fatalf("expected fulfill, got %#v", out)
	}
	if fwd.Calls() != 1 || fwd.peers[0] != "X" {
		t.Fatalf("forwarded to %v", fwd.peers)
	}
	sent := fwd.got[0]
	if want := now.Add(4 * time.Second); !sent.ExpiresAt.Equal(want) {
		t.Fatalf("outgoing expiry = %s, want %s", sent.ExpiresAt, want)
	}
	if !in.ExpiresAt.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("incoming prepare was mutated")
	}
	if sent.Amount != 100 || sent.Destination != "g.example.bob" || sent.ExecutionCondition != condition {
		t.Fatalf("forwarded prepare = %+v", sent)
	}
}

func TestInsufficientTimeout(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fwd := &fakeForwarder{}
	c := newTestConnector(fwd, func() time.Time { return now })
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 1}})

	for _, expires := range []time.Time{now.Add(2 * time.Second), now.Add(time.Second), now.Add(-time.Second)} {
		out := c.HandlePrepare(context.Background(), "sender", prepare("g.example.bob", 1, expires))
		if code := rejectCode(t, out); code != ilp.CodeInsufficientTimeout {
			t.Fatalf("expiry %s: code = %s, want R02", expires.Sub(now), code)
		}
	}
	out := c.HandlePrepare(context.Background(), "sender", prepare("g.example.bob", 1, now.Add(2*time.Second+time.Millisecond)))
	if _, ok := out.(*ilp.Fulfill); !ok {
		t.Fatalf("expected fulfill just above the floor, got %#v", out)
	}
}

func TestInvalidDestination(t *testing.T) {
	c := newTestConnector(&fakeForwarder{}, nil)
	out := c.HandlePrepare(context.Background(), "sender", prepare("nowhere", 1, time.Now().Add(10*time.Second)))
	if code := rejectCode(t, out); code != ilp.CodeInvalidPacket {
		t.Fatalf("code = %s, want F01", code)
	}
}

func TestInsufficientLiquidity(t *testing.T) {
	fwd := &fakeForwarder{}
	c := newTestConnector(fwd, nil)
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})
	c.Ledger().SetLimit("X", 150)

	exp := time.Now().Add(10 * time.Second)
	if _, ok := c.HandlePrepare(context.Background(), "s", prepare("g.example.a", 100, exp)).(*ilp.Fulfill); !ok {
		t.Fatalf("first prepare should fit")
	}
	out := c.HandlePrepare(context.Background(), "s", prepare("g.example.b", 100, exp))
	if code := rejectCode(t, out); code != ilp.CodeInsufficientLiquidity {
		t.Fatalf("code = %s, want T04", code)
	}
	if fwd.Calls() != 1 {
		t.Fatalf("forwarder calls = %d", fwd.Calls())
	}
	if reserved, payable := c.Ledger().Balance("X"); reserved != 0 || payable != 100 {
		t.Fatalf("balance = %d/%d", reserved, payable)
	}
}

func TestWrongFulfillmentReleasesReservation(t *testing.T) {
	fwd := &fakeForwarder{respond: func(context.Context, *ilp.Prepare) (ilp.Packet, error) {
		return &ilp.Fulfill{Fulfillment: [32]byte{9}}, nil
	}}
	c := newTestConnector(fwd, nil)
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})
	out := c.HandlePrepare(context.Background(), "s", prepare("g.example.a", 10, time.Now().Add(10*time.Second)))
	if code := rejectCode(t, out); code != ilp.CodeWrongCondition {
		t.Fatalf("code = %s, want F05", code)
	}
	if reserved, payable := c.Ledger().Balance("X"); reserved != 0 || payable != 0 {
		t.Fatalf("balance = %d/%d", reserved, payable)
	}
}

func TestDownstreamRejectPassesThrough(t *testing.T) {
	fwd := &fakeForwarder{respond: func(context.Context, *ilp.Prepare) (ilp.Packet, error) {
		return &ilp.Reject{Code: "F99", TriggeredBy: "g.far", Message: "app error"}, nil
	}}
	c := newTestConnector(fwd, nil)
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})
	out := c.HandlePrepare(context.Background(), "s", prepare("g.example.a", 10, time.Now().Add(10*time.Second)))
	rej, ok := out.(*ilp.Reject)
	if !ok || rej.Code != "F99" || rej.TriggeredBy != "g.far" {
		t.Fatalf("out = %#v", out)
	}
	if reserved, _ := c.Ledger().Balance("X"); reserved != 0 {
		t.Fatalf("reservation leaked: %d", reserved)
	}
}

func TestForwardErrorBecomesReject(t *testing.T) {
	fwd := &fakeForwarder{respond: func(context.Context, *ilp.Prepare) (ilp.Packet, error) {
		return nil, ilp.Failf(ilp.KindDecryption, "bad tag")
	}}
	c := newTestConnector(fwd, nil)
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})
	out := c.HandlePrepare(context.Background(), "s", prepare("g.example.a", 10, time.Now().Add(10*time.Second)))
	if code := rejectCode(t, out); code != ilp.CodePeerUnreachable {
		t.Fatalf("code = %s, want T01", code)
	}
}

func TestHoldTimeCapExpires(t *testing.T) {
	fwd := &fakeForwarder{respond: func(ctx context.Context, _ *ilp.Prepare) (ilp.Packet, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := New(Options{
		Address:     "g.connector",
		MaxHoldTime: 50 * time.Millisecond,
		Forwarder:   fwd,
		Log:         zerolog.Nop(),
	})
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})
	start := time.Now()
	out := c.HandlePrepare(context.Background(), "s", prepare("g.example.a", 10, start.Add(time.Minute)))
	if code := rejectCode(t, out); code != ilp.CodeTransferTimedOut {
		t.Fatalf("code = %s, want R00", code)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("hold lasted %s", elapsed)
	}
	if reserved, _ := c.Ledger().Balance("X"); reserved != 0 {
		t.Fatalf("reservation leaked: %d", reserved)
	}
	if c.InFlight() != 0 {
		t.Fatalf("hold not cleaned up")
	}
}

func TestRoundRobinAcrossTies(t *testing.T) {
	fwd := &fakeForwarder{}
	c := newTestConnector(fwd, nil)
	c.Table().Update("P1", []routing.Advertised{{Prefix: "g.d", Distance: 2}})
	c.Table().Update("P2", []routing.Advertised{{Prefix: "g.d", Distance: 2}})
	exp := time.Now().Add(10 * time.Second)
	for i := 0; i < 4; i++ {
		p := prepare("g.d.x", uint64(i+1), exp)
		if _, ok := c.HandlePrepare(context.Background(), "s", p).(*ilp.Fulfill); !ok {
			t.Fatalf("prepare %d not fulfilled", i)
		}
	}
	counts := map[string]int{}
	for _, p := range fwd.peers {
		counts[p]++
	}
	if counts["P1"] != 2 || counts["P2"] != 2 {
		t.Fatalf("distribution = %v", counts)
	}
}

func TestRouteBackToSenderRejected(t *testing.T) {
	c := newTestConnector(&fakeForwarder{}, nil)
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})
	out := c.HandlePrepare(context.Background(), "X", prepare("g.example.a", 1, time.Now().Add(10*time.Second)))
	if code := rejectCode(t, out); code != ilp.CodeUnreachable {
		t.Fatalf("code = %s", code)
	}
}

func TestPanicAfterReserveReleasesLiquidity(t *testing.T) {
	// clock reads: receipt, validation, then the hold deadline after the
	// reservation is taken
	var reads atomic.Int32
	now := func() time.Time {
		if reads.Add(1) == 3 {
			panic("clock failure")
		}
		return time.Now()
	}
	c := New(Options{Address: "g.connector", Forwarder: &fakeForwarder{}, Log: zerolog.Nop(), Now: now})
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})
	c.Ledger().SetLimit("X", 100)

	out := c.HandlePrepare(context.Background(), "s", prepare("g.example.a", 80, time.Now().Add(10*time.Second)))
	if code := rejectCode(t, out); code != ilp.CodeInternalError {
		t.Fatalf("code = %s, want T00", code)
	}
	if reserved, payable := c.Ledger().Balance("X"); reserved != 0 || payable != 0 {
		t.Fatalf("balance after panic = %d/%d", reserved, payable)
	}
}

func TestTiedSenderIsSkipped(t *testing.T) {
	fwd := &fakeForwarder{}
	c := newTestConnector(fwd, nil)
	c.Table().Update("P1", []routing.Advertised{{Prefix: "g.d", Distance: 2}})
	c.Table().Update("P2", []routing.Advertised{{Prefix: "g.d", Distance: 2}})
	exp := time.Now().Add(10 * time.Second)
	for i := 0; i < 4; i++ {
		out := c.HandlePrepare(context.Background(), "P1", prepare("g.d.x", uint64(i+1), exp))
		if _, ok := out.(*ilp.Fulfill); !ok {
			t.Fatalf("prepare %d: got %#v", i, out)
		}
	}
	for i, p := range fwd.peers {
		if p != "P2" {
			t.Fatalf("forward %d went to %s", i, p)
		}
	}
	if len(fwd.peers) != 4 {
		t.Fatalf("forwards = %d", len(fwd.peers))
	}
}

type receiverFunc func(ctx context.Context, p *ilp.Prepare) (ilp.Packet, error)

func (f receiverFunc) Receive(ctx context.Context, p *ilp.Prepare) (ilp.Packet, error) {
	return f(ctx, p)
}

func TestLocalDelivery(t *testing.T) {
	var got *ilp.Prepare
	c := New(Options{
		Address: "g.me",
		Receiver: receiverFunc(func(_ context.Context, p *ilp.Prepare) (ilp.Packet, error) {
			got = p
			return &ilp.Fulfill{Fulfillment: preimage, Data: []byte("thanks")}, nil
		}),
		Log: zerolog.Nop(),
	})
	c.Table().SetLocal("g.me")
	exp := time.Now().Add(10 * time.Second)
	out := c.HandlePrepare(context.Background(), "s", prepare("g.me.wallet", 5, exp))
	f, ok := out.(*ilp.Fulfill)
	if !ok || string(f.Data) != "thanks" {
		t.Fatalf("out = %#v", out)
	}
	if got == nil || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("receiver got %+v", got)
	}
}

func TestPanickingForwarderBecomesT00(t *testing.T) {
	fwd := &fakeForwarder{respond: func(context.Context, *ilp.Prepare) (ilp.Packet, error) {
		panic("boom")
	}}
	c := newTestConnector(fwd, nil)
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})
	out := c.HandlePrepare(context.Background(), "s", prepare("g.example.a", 1, time.Now().Add(10*time.Second)))
	if code := rejectCode(t, out); code != ilp.CodeInternalError {
		t.Fatalf("code = %s", code)
	}
	// the pipeline keeps working
	fwd.respond = nil
	out = c.HandlePrepare(context.Background(), "s", prepare("g.example.b", 1, time.Now().Add(10*time.Second)))
	if _, ok := out.(*ilp.Fulfill); !ok {
		t.Fatalf("second packet = %#v", out)
	}
}

func TestDuplicatePrepareForwardedOnce(t *testing.T) {
	release := make(chan struct{})
	fwd := &fakeForwarder{
		started: make(chan struct{}, 4),
		respond: func(context.Context, *ilp.Prepare) (ilp.Packet, error) {
			<-release
			return &ilp.Fulfill{Fulfillment: preimage}, nil
		},
	}
	c := newTestConnector(fwd, nil)
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})
	p := prepare("g.example.a", 7, time.Now().Add(10*time.Second))

	var wg sync.WaitGroup
	var fulfilled atomic.Int32
	run := func() {
		defer wg.Done()
		if _, ok := c.HandlePrepare(context.Background(), "s", p).(*ilp.Fulfill); ok {
			fulfilled.Add(1)
		}
	}
	wg.Add(1)
	go run()
	<-fwd.started
	wg.Add(1)
	go run()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if fwd.Calls() != 1 {
		t.Fatalf("forwarded %d times", fwd.Calls())
	}
	if fulfilled.Load() != 2 {
		t.Fatalf("fulfilled = %d", fulfilled.Load())
	}
}

func TestSettlementAfterFulfill(t *testing.T) {
	rec := settlement.NewRecorder("noop", nil)
	c := New(Options{
		Address:    "g.connector",
		Forwarder:  &fakeForwarder{},
		Settlement: rec,
		Log:        zerolog.Nop(),
	})
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})
	c.HandlePrepare(context.Background(), "s", prepare("g.example.a", 42, time.Now().Add(10*time.Second)))
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if sent, _ := rec.Totals("X"); sent != 42 {
		t.Fatalf("settled = %d", sent)
	}
	if _, payable := c.Ledger().Balance("X"); payable != 0 {
		t.Fatalf("payable after settlement = %d", payable)
	}
}

func TestSettlementFailureKeepsPayable(t *testing.T) {
	rec := settlement.NewRecorder("noop", nil)
	rec.FailWith(errors.New("offline"))
	c := New(Options{
		Address:    "g.connector",
		Forwarder:  &fakeForwarder{},
		Settlement: rec,
		Log:        zerolog.Nop(),
	})
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})
	c.HandlePrepare(context.Background(), "s", prepare("g.example.a", 42, time.Now().Add(10*time.Second)))
	_ = c.Shutdown(context.Background())
	if _, payable := c.Ledger().Balance("X"); payable != 42 {
		t.Fatalf("payable = %d", payable)
	}
}

func TestShutdownDrainsAndRefuses(t *testing.T) {
	release := make(chan struct{})
	fwd := &fakeForwarder{
		started: make(chan struct{}, 1),
		respond: func(context.Context, *ilp.Prepare) (ilp.Packet, error) {
			<-release
			return &ilp.Fulfill{Fulfillment: preimage}, nil
		},
	}
	c := newTestConnector(fwd, nil)
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})

	result := make(chan ilp.Packet, 1)
	go func() {
		result <- c.HandlePrepare(context.Background(), "s", prepare("g.example.a", 1, time.Now().Add(10*time.Second)))
	}()
	<-fwd.started

	shut := make(chan error, 1)
	go func() { shut <- c.Shutdown(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	out := c.HandlePrepare(context.Background(), "s", prepare("g.example.b", 1, time.Now().Add(10*time.Second)))
	if code := rejectCode(t, out); code != ilp.CodeInternalError {
		t.Fatalf("new packet during drain: code = %s", code)
	}

	close(release)
	if _, ok := (<-result).(*ilp.Fulfill); !ok {
		t.Fatalf("in-flight packet was not allowed to finish")
	}
	if err := <-shut; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestShutdownForceExpiresStragglers(t *testing.T) {
	fwd := &fakeForwarder{
		started: make(chan struct{}, 1),
		respond: func(ctx context.Context, _ *ilp.Prepare) (ilp.Packet, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	c := newTestConnector(fwd, nil)
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})

	result := make(chan ilp.Packet, 1)
	go func() {
		result <- c.HandlePrepare(context.Background(), "s", prepare("g.example.a", 1, time.Now().Add(20*time.Second)))
	}()
	<-fwd.started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := c.Shutdown(ctx); err == nil {
		t.Fatalf("expected drain error")
	}
	if code := rejectCode(t, <-result); code != ilp.CodeTransferTimedOut {
		t.Fatalf("straggler code = %s, want R00", code)
	}
}

func TestShutdownExpiresLateHolds(t *testing.T) {
	fwd := &fakeForwarder{respond: func(ctx context.Context, _ *ilp.Prepare) (ilp.Packet, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	// the second clock read happens after the packet has entered the
	// connector and before it is held
	entered := make(chan struct{})
	release := make(chan struct{})
	var reads atomic.Int32
	now := func() time.Time {
		if reads.Add(1) == 2 {
			close(entered)
			<-release
		}
		return time.Now()
	}
	c := New(Options{
		Address:     "g.connector",
		MaxHoldTime: 10 * time.Second,
		Forwarder:   fwd,
		Log:         zerolog.Nop(),
		Now:         now,
	})
	c.Table().Update("X", []routing.Advertised{{Prefix: "g.example", Distance: 0}})

	result := make(chan ilp.Packet, 1)
	go func() {
		result <- c.HandlePrepare(context.Background(), "s", prepare("g.example.a", 1, time.Now().Add(20*time.Second)))
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	shutdown := make(chan error, 1)
	go func() { shutdown <- c.Shutdown(ctx) }()
	for {
		c.mu.Lock()
		expired := c.expired
		c.mu.Unlock()
		if expired {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	select {
	case err := <-shutdown:
		if err == nil {
			t.Fatalf("expected drain error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown still waiting on a hold registered after the drain deadline")
	}
	if code := rejectCode(t, <-result); code != ilp.CodeTransferTimedOut {
		t.Fatalf("code = %s, want R00", code)
	}
	if fwd.Calls() != 0 {
		t.Fatalf("forwarded after forced expiry")
	}
}

func TestStateTransitions(t *testing.T) {
	path := []State{StateValidated, StateRouted, StateForwarded, StateExpired}
	s := StateReceived
	for _, next := range path {
		if !s.next(next) {
			t.Fatalf("%s -> %s refused", s, next)
		}
		s = next
	}
	if s.next(StateRejected) {
		t.Fatalf("terminal state left")
	}
	if StateReceived.next(StateForwarded) || StateValidated.next(StateFulfilled) {
		t.Fatalf("skipped transition allowed")
	}
	if !StateRouted.next(StateRejected) {
		t.Fatalf("reject from routed refused")
	}
}
