// Package connector is the forwarding engine. It validates inbound Prepares,
// picks a next hop from the routing table, holds the packet while it is
// forwarded and turns every outcome into a Fulfill or a Reject.
package connector

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"ilpnode/internal/ilp"
	"ilpnode/internal/metrics"
	"ilpnode/internal/routing"
	"ilpnode/internal/settlement"
)

const (
	DefaultMessageWindow = time.Second
	DefaultMaxHoldTime   = 30 * time.Second
	settleTimeout        = 30 * time.Second
)

var errForceExpired = errors.New("connector: hold force-expired on shutdown")

// Forwarder hands a Prepare to a directly connected peer and returns its
// Fulfill or Reject.
type Forwarder interface {
	Forward(ctx context.Context, peer string, p *ilp.Prepare) (ilp.Packet, error)
}

// Receiver accepts Prepares addressed to this node.
type Receiver interface {
	Receive(ctx context.Context, p *ilp.Prepare) (ilp.Packet, error)
}

type Options struct {
	Address       ilp.Address
	MessageWindow time.Duration
	MaxHoldTime   time.Duration

	Table      *routing.Table
	Forwarder  Forwarder
	Receiver   Receiver
	Ledger     *Ledger
	Settlement settlement.Scheme
	// Peers restricts inbound messages to configured peers. Nil accepts
	// every authenticated node.
	Peers   PeerSet
	Metrics *metrics.Metrics
	Log     zerolog.Logger
	Now     func() time.Time
}

// PeerSet reports whether a node id belongs to a configured peer.
type PeerSet interface {
	IsPeer(id string) bool
}

type hold struct {
	cancel context.CancelCauseFunc
}

type Connector struct {
	addr       ilp.Address
	window     time.Duration
	maxHold    time.Duration
	table      *routing.Table
	fwd        Forwarder
	local      Receiver
	ledger     *Ledger
	settlement settlement.Scheme
	peers      PeerSet
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time

	inflight singleflight.Group
	nextID   atomic.Uint64

	mu       sync.Mutex
	draining bool
	expired  bool
	holds    map[uint64]hold
	wg       sync.WaitGroup
	settleWG sync.WaitGroup
}

func New(opts Options) *Connector {
	c := &Connector{
		addr:       opts.Address,
		window:     opts.MessageWindow,
		maxHold:    opts.MaxHoldTime,
		table:      opts.Table,
		fwd:        opts.Forwarder,
		local:      opts.Receiver,
		ledger:     opts.Ledger,
		settlement: opts.Settlement,
		peers:      opts.Peers,
		metrics:    opts.Metrics,
		log:        opts.Log,
		now:        opts.Now,
		holds:      make(map[uint64]hold),
	}
	if c.window <= 0 {
		c.window = DefaultMessageWindow
	}
	if c.maxHold <= 0 {
		c.maxHold = DefaultMaxHoldTime
	}
	if c.table == nil {
		c.table = routing.NewTable()
	}
	if c.ledger == nil {
		c.ledger = NewLedger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Connector) Address() ilp.Address  { return c.addr }
func (c *Connector) Table() *routing.Table { return c.table }
func (c *Connector) Ledger() *Ledger       { return c.ledger }

// SetForwarder installs the next-hop transport. It must be called before
// packets arrive.
func (c *Connector) SetForwarder(f Forwarder) { c.fwd = f }

// packetKey identifies an inbound Prepare from one peer. Retransmissions
// of the same packet share a key.
func packetKey(from string, p *ilp.Prepare) string {
	return from + "|" + hex.EncodeToString(p.ExecutionCondition[:]) + "|" +
		strconv.FormatInt(p.ExpiresAt.UnixMilli(), 10) + "|" +
		strconv.FormatUint(p.Amount, 10) + "|" + string(p.Destination)
}

// HandlePrepare runs one Prepare from peer from through the state machine
// and always returns a Fulfill or a Reject. Concurrent deliveries of the same
// packet share a single forwarding attempt.
func (c *Connector) HandlePrepare(ctx context.Context, from string, p *ilp.Prepare) ilp.Packet {
	v, _, _ := c.inflight.Do(packetKey(from, p), func() (any, error) {
		return c.process(ctx, from, p), nil
	})
	return v.(ilp.Packet)
}

type packet struct {
	id    uint64
	from  string
	state State
	log   zerolog.Logger
}

func (pk *packet) to(s State) {
	if !pk.state.next(s) {
		pk.log.Error().Stringer("from", pk.state).Stringer("to", s).Msg("illegal packet transition")
		return
	}
	pk.log.Trace().Stringer("state", s).Msg("packet transition")
	pk.state = s
}

func (c *Connector) process(ctx context.Context, from string, p *ilp.Prepare) (out ilp.Packet) {
	id := c.nextID.Add(1)
	pk := &packet{
		id:   id,
		from: from,
		log:  c.log.With().Uint64("packet", id).Str("from", from).Str("destination", string(p.Destination)).Logger(),
	}
	start := c.now()

	if !c.enter() {
		f := ilp.Failf(ilp.KindUnavailable, "connector is shutting down")
		pk.to(StateRejected)
		c.metrics.IncPacket(StateRejected.String(), f.Code)
		return f.Reject(c.addr)
	}
	defer c.wg.Done()
	c.metrics.AddInFlight(1)
	defer c.metrics.AddInFlight(-1)

	defer func() {
		if r := recover(); r != nil {
			pk.log.Error().Interface("panic", r).Msg("packet handler panicked")
			f := ilp.Failf(ilp.KindInternal, "internal error")
			pk.state = StateRejected
			out = f.Reject(c.addr)
		}
		code := ""
		if rej, ok := out.(*ilp.Reject); ok {
			code = rej.Code
		}
		c.metrics.IncPacket(pk.state.String(), code)
		c.metrics.ObserveHold(c.now().Sub(start))
	}()

	if f := c.validate(p); f != nil {
		pk.to(StateRejected)
		pk.log.Debug().Str("code", f.Code).Msg(f.Message)
		return f.Reject(c.addr)
	}
	pk.to(StateValidated)

	peer, entry, ok := c.table.NextHop(p.Destination, from)
	if !ok {
		pk.to(StateRejected)
		if entry.Prefix != "" {
			return ilp.Failf(ilp.KindUnreachable, "route to %s loops back to %s", p.Destination, from).Reject(c.addr)
		}
		return ilp.Failf(ilp.KindUnreachable, "no route to %s", p.Destination).Reject(c.addr)
	}
	pk.to(StateRouted)
	pk.log = pk.log.With().Str("next_hop", peer).Logger()

	if entry.Local() {
		return c.deliverLocal(ctx, pk, p)
	}
	return c.forward(ctx, pk, peer, p)
}

func (c *Connector) validate(p *ilp.Prepare) *ilp.Failure {
	if !p.Destination.Valid() {
		return ilp.Failf(ilp.KindInvalidPacket, "invalid destination %q", p.Destination)
	}
	now := c.now()
	if floor := now.Add(2 * c.window); !p.ExpiresAt.After(floor) {
		return ilp.Failf(ilp.KindInsufficientTimeout, "expires at %s, need after %s",
			p.ExpiresAt.UTC().Format(time.RFC3339Nano), floor.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

func (c *Connector) deliverLocal(ctx context.Context, pk *packet, p *ilp.Prepare) ilp.Packet {
	if c.local == nil {
		pk.to(StateRejected)
		return ilp.Failf(ilp.KindUnreachable, "no local receiver for %s", p.Destination).Reject(c.addr)
	}
	pk.to(StateForwarded)
	res, err := c.holdAndWait(ctx, pk, p.ExpiresAt, func(hctx context.Context) (ilp.Packet, error) {
		return c.local.Receive(hctx, p)
	})
	return c.resolve(pk, p, res, err, nil)
}

func (c *Connector) forward(ctx context.Context, pk *packet, peer string, p *ilp.Prepare) ilp.Packet {
	if c.fwd == nil {
		pk.to(StateRejected)
		return ilp.Failf(ilp.KindUnavailable, "no forwarder").Reject(c.addr)
	}
	if err := c.ledger.Reserve(peer, p.Amount); err != nil {
		pk.to(StateRejected)
		return ilp.AsFailure(err).Reject(c.addr)
	}
	released := false
	release := func() {
		if !released {
			released = true
			c.ledger.Release(peer, p.Amount)
		}
	}
	defer func() {
		if pk.state != StateFulfilled {
			release()
		}
	}()

	next := *p
	next.ExpiresAt = p.ExpiresAt.Add(-c.window)
	pk.to(StateForwarded)
	res, err := c.holdAndWait(ctx, pk, next.ExpiresAt, func(hctx context.Context) (ilp.Packet, error) {
		return c.fwd.Forward(hctx, peer, &next)
	})
	out := c.resolve(pk, p, res, err, release)
	if pk.state == StateFulfilled {
		c.ledger.Commit(peer, p.Amount)
		c.settle(peer, p.Amount)
	}
	return out
}

// holdAndWait runs call under the hold deadline: the earlier of now plus the
// maximum hold time and expiry. A timer firing or a forced shutdown surfaces
// as an Expired failure.
func (c *Connector) holdAndWait(ctx context.Context, pk *packet, expiry time.Time, call func(context.Context) (ilp.Packet, error)) (ilp.Packet, error) {
	deadline := c.now().Add(c.maxHold)
	if expiry.Before(deadline) {
		deadline = expiry
	}
	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := time.NewTimer(deadline.Sub(c.now()))
	defer timer.Stop()

	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		return nil, ilp.Failf(ilp.KindExpired, "forced expiry on shutdown")
	}
	c.holds[pk.id] = hold{cancel: cancel}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.holds, pk.id)
		c.mu.Unlock()
	}()

	type result struct {
		pkt ilp.Packet
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: ilp.Failf(ilp.KindInternal, "next hop panicked: %v", r)}
			}
		}()
		pkt, err := call(hctx)
		done <- result{pkt: pkt, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && hctx.Err() != nil {
			return nil, cancelled(hctx)
		}
		return r.pkt, r.err
	case <-timer.C:
		cancel(context.DeadlineExceeded)
		return nil, ilp.Failf(ilp.KindExpired, "hold deadline %s passed", deadline.UTC().Format(time.RFC3339Nano))
	case <-hctx.Done():
		return nil, cancelled(hctx)
	}
}

func cancelled(ctx context.Context) *ilp.Failure {
	if errors.Is(context.Cause(ctx), errForceExpired) {
		return ilp.Failf(ilp.KindExpired, "forced expiry on shutdown")
	}
	return ilp.Failf(ilp.KindExpired, "hold cancelled: %v", context.Cause(ctx))
}

// resolve maps the outcome of a held Prepare to its terminal state. release
// runs on every non-fulfilled path.
func (c *Connector) resolve(pk *packet, p *ilp.Prepare, res ilp.Packet, err error, release func()) ilp.Packet {
	if release == nil {
		release = func() {}
	}
	if err != nil {
		release()
		f := ilp.AsFailure(err)
		if f.Kind == ilp.KindExpired {
			pk.to(StateExpired)
		} else {
			pk.to(StateRejected)
		}
		pk.log.Debug().Str("code", f.Code).Msg(f.Message)
		return f.Reject(c.addr)
	}
	switch r := res.(type) {
	case *ilp.Fulfill:
		if !r.Matches(p.ExecutionCondition) {
			release()
			pk.to(StateRejected)
			return ilp.Failf(ilp.KindWrongCondition, "fulfillment does not match condition").Reject(c.addr)
		}
		pk.to(StateFulfilled)
		return r
	case *ilp.Reject:
		release()
		pk.to(StateRejected)
		return r
	default:
		release()
		pk.to(StateRejected)
		return ilp.Failf(ilp.KindInternal, "unexpected response %T", res).Reject(c.addr)
	}
}

func (c *Connector) settle(peer string, amount uint64) {
	if c.settlement == nil || amount == 0 {
		return
	}
	c.settleWG.Add(1)
	go func() {
		defer c.settleWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		err := c.settlement.SendMoney(ctx, peer, amount)
		c.metrics.IncSettlement(err == nil)
		if err != nil {
			c.log.Warn().Err(err).Str("peer", peer).Uint64("amount", amount).Msg("settlement failed")
			return
		}
		c.ledger.Settled(peer, amount)
	}()
}

func (c *Connector) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return false
	}
	c.wg.Add(1)
	return true
}

// InFlight reports how many Prepares are currently held.
func (c *Connector) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.holds)
}

// Shutdown refuses new Prepares and waits for held ones to finish. When ctx
// ends first the remaining holds, and any Prepare that reaches its hold
// afterwards, are expired and Shutdown waits for their Rejects to be produced.
func (c *Connector) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		c.mu.Lock()
		c.expired = true
		n := len(c.holds)
		for _, h := range c.holds {
			h.cancel(errForceExpired)
		}
		c.mu.Unlock()
		c.log.Warn().Int("holds", n).Msg("drain deadline passed, expiring holds")
		<-done
		err = fmt.Errorf("connector: drain incomplete: %w", ctx.Err())
	}
	c.settleWG.Wait()
	return err
}
