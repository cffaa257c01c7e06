package connector

import (
	"context"
	"fmt"
	"time"

	"ilpnode/internal/btp"
	"ilpnode/internal/ilp"
	"ilpnode/internal/routing"
)

// ProtocolSettlement carries a settlement proof inside a Transfer envelope.
const ProtocolSettlement = "settlement"

// HandleMessage answers one peer-transport envelope from peer from. Errors
// never escape: they come back as Error envelopes or Reject packets.
func (c *Connector) HandleMessage(ctx context.Context, from string, env *btp.Envelope) *btp.Envelope {
	if c.peers != nil && !c.peers.IsPeer(from) {
		c.log.Warn().Str("node", from).Stringer("type", env.Type).Msg("message from a node that is not a peer")
		return c.errorEnvelope(env.RequestID, &ilp.Failure{
			Kind:    ilp.KindInvalidPacket,
			Code:    ilp.CodeBadRequest,
			Message: fmt.Sprintf("node %s is not a peer", from),
		})
	}
	switch env.Type {
	case btp.TypeMessage:
		return c.handleMessage(ctx, from, env)
	case btp.TypeTransfer:
		return c.handleTransfer(ctx, from, env)
	default:
		return c.errorEnvelope(env.RequestID, ilp.Failf(ilp.KindInvalidPacket, "unexpected %s envelope", env.Type))
	}
}

func (c *Connector) handleMessage(ctx context.Context, from string, env *btp.Envelope) *btp.Envelope {
	resp := &btp.Envelope{Type: btp.TypeResponse, RequestID: env.RequestID}
	if proto, ok := env.Protocol(btp.ProtocolILP); ok {
		out := c.handlePacket(ctx, from, proto.Data)
		raw, err := ilp.Encode(out)
		if err != nil {
			return c.errorEnvelope(env.RequestID, ilp.AsFailure(err))
		}
		resp.Protocols = append(resp.Protocols, btp.Protocol{Name: btp.ProtocolILP, Data: raw})
		return resp
	}
	if proto, ok := env.Protocol(btp.ProtocolRouteUpdate); ok {
		u, err := btp.DecodeRouteUpdate(proto.Data)
		if err != nil {
			return c.errorEnvelope(env.RequestID, ilp.AsFailure(err))
		}
		c.table.UpdateFrom(from, u)
		c.metrics.SetRoutes(c.table.Snapshot().Len())
		c.log.Debug().Str("peer", from).Uint32("epoch", u.Epoch).Int("routes", len(u.Routes)).Msg("route update applied")
		return resp
	}
	if _, ok := env.Protocol(btp.ProtocolRouteControl); ok {
		raw, err := c.RouteUpdateFor(from, 0).Encode()
		if err != nil {
			return c.errorEnvelope(env.RequestID, ilp.AsFailure(err))
		}
		resp.Protocols = append(resp.Protocols, btp.Protocol{Name: btp.ProtocolRouteUpdate, Data: raw})
		return resp
	}
	return c.errorEnvelope(env.RequestID, ilp.Failf(ilp.KindInvalidPacket, "no supported protocol data"))
}

func (c *Connector) handlePacket(ctx context.Context, from string, raw []byte) ilp.Packet {
	pkt, err := ilp.Decode(raw)
	if err != nil {
		return ilp.AsFailure(err).Reject(c.addr)
	}
	p, ok := pkt.(*ilp.Prepare)
	if !ok {
		return ilp.Failf(ilp.KindInvalidPacket, "expected prepare, got type %d", pkt.Type()).Reject(c.addr)
	}
	return c.HandlePrepare(ctx, from, p)
}

func (c *Connector) handleTransfer(ctx context.Context, from string, env *btp.Envelope) *btp.Envelope {
	if c.settlement == nil {
		return c.errorEnvelope(env.RequestID, ilp.Failf(ilp.KindUnavailable, "no settlement scheme"))
	}
	proto, ok := env.Protocol(ProtocolSettlement)
	if !ok {
		return c.errorEnvelope(env.RequestID, ilp.Failf(ilp.KindInvalidPacket, "transfer without settlement proof"))
	}
	amount, err := c.settlement.VerifyIncomingTransaction(ctx, from, proto.Data)
	if err != nil {
		c.log.Warn().Err(err).Str("peer", from).Msg("incoming settlement rejected")
		return c.errorEnvelope(env.RequestID, ilp.Failf(ilp.KindInvalidPacket, "settlement rejected: %v", err))
	}
	if amount != env.Amount {
		c.log.Warn().Str("peer", from).Uint64("claimed", env.Amount).Uint64("verified", amount).Msg("transfer amount differs from proof")
	}
	return &btp.Envelope{Type: btp.TypeResponse, RequestID: env.RequestID}
}

func (c *Connector) errorEnvelope(reqID uint32, f *ilp.Failure) *btp.Envelope {
	return &btp.Envelope{
		Type:      btp.TypeError,
		RequestID: reqID,
		Error: &btp.ErrorInfo{
			Code:        f.Code,
			Name:        f.Kind.String(),
			TriggeredAt: c.now(),
			Data:        []byte(f.Message),
		},
	}
}

// RouteUpdateFor builds the vector advertised to peer.
func (c *Connector) RouteUpdateFor(peer string, epoch uint32) *btp.RouteUpdate {
	u := &btp.RouteUpdate{Speaker: c.addr, Epoch: epoch}
	for _, r := range c.table.Advertisement(peer) {
		u.Routes = append(u.Routes, btp.Route{Prefix: r.Prefix, Distance: r.Distance})
	}
	return u
}

// ServeSession is the session-layer handler: payload is an encoded envelope
// from an authenticated peer.
func (c *Connector) ServeSession(ctx context.Context, from string, payload []byte) ([]byte, error) {
	env, err := btp.Decode(payload)
	if err != nil {
		return nil, ilp.AsFailure(err)
	}
	return c.HandleMessage(ctx, from, env).Encode()
}

// Staleness reports whether a node failed to renew its registration.
type Staleness interface {
	IsStale(id string, now time.Time) (bool, error)
}

// PruneStalePeers withdraws the routes of every peer whose registration has
// lapsed and returns the removed peer ids.
func (c *Connector) PruneStalePeers(reg Staleness) []string {
	now := c.now()
	var removed []string
	for _, peer := range c.table.Peers() {
		stale, err := reg.IsStale(peer, now)
		if err != nil {
			c.log.Warn().Err(err).Str("peer", peer).Msg("registration lookup failed")
			continue
		}
		if !stale {
			continue
		}
		c.table.RemovePeer(peer)
		removed = append(removed, peer)
		c.log.Info().Str("peer", peer).Msg("registration lapsed, routes withdrawn")
	}
	if len(removed) > 0 {
		c.metrics.SetRoutes(c.table.Snapshot().Len())
	}
	return removed
}

var _ routing.Sender = (*PeerLink)(nil)
