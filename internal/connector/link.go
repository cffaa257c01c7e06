package connector

import (
	"context"
	"fmt"
	"sync/atomic"

	"ilpnode/internal/btp"
	"ilpnode/internal/ilp"
)

// SessionSender delivers an authenticated request to a node and returns its
// authenticated response.
type SessionSender interface {
	Send(ctx context.Context, nodeID string, payload []byte) ([]byte, error)
}

// PeerLink speaks the peer-transport envelope over a session. It forwards
// Prepares and pushes or pulls route vectors.
type PeerLink struct {
	Sessions SessionSender

	reqID atomic.Uint32
}

func NewPeerLink(s SessionSender) *PeerLink {
	return &PeerLink{Sessions: s}
}

func (l *PeerLink) exchange(ctx context.Context, peer string, env *btp.Envelope) (*btp.Envelope, error) {
	env.RequestID = l.reqID.Add(1)
	raw, err := env.Encode()
	if err != nil {
		return nil, ilp.AsFailure(err)
	}
	out, err := l.Sessions.Send(ctx, peer, raw)
	if err != nil {
		return nil, err
	}
	resp, err := btp.Decode(out)
	if err != nil {
		return nil, ilp.AsFailure(err)
	}
	if resp.RequestID != env.RequestID {
		return nil, ilp.Failf(ilp.KindInvalidPacket, "response for request %d, sent %d", resp.RequestID, env.RequestID)
	}
	if resp.Type == btp.TypeError && resp.Error != nil {
		return nil, &ilp.Failure{
			Kind:    ilp.KindUnavailable,
			Code:    resp.Error.Code,
			Message: fmt.Sprintf("%s: %s", resp.Error.Name, resp.Error.Data),
		}
	}
	if resp.Type != btp.TypeResponse {
		return nil, ilp.Failf(ilp.KindInvalidPacket, "unexpected %s envelope", resp.Type)
	}
	return resp, nil
}

// Forward sends p to peer and returns the Fulfill or Reject it answered with.
func (l *PeerLink) Forward(ctx context.Context, peer string, p *ilp.Prepare) (ilp.Packet, error) {
	raw, err := ilp.Encode(p)
	if err != nil {
		return nil, err
	}
	resp, err := l.exchange(ctx, peer, &btp.Envelope{
		Type:      btp.TypeMessage,
		Protocols: []btp.Protocol{{Name: btp.ProtocolILP, Data: raw}},
	})
	if err != nil {
		return nil, err
	}
	proto, ok := resp.Protocol(btp.ProtocolILP)
	if !ok {
		return nil, ilp.Failf(ilp.KindInvalidPacket, "response from %s carries no ilp packet", peer)
	}
	pkt, err := ilp.Decode(proto.Data)
	if err != nil {
		return nil, err
	}
	if pkt.Type() == ilp.TypePrepare {
		return nil, ilp.Failf(ilp.KindInvalidPacket, "peer %s answered with a prepare", peer)
	}
	return pkt, nil
}

func (l *PeerLink) SendRoutes(ctx context.Context, peer string, u *btp.RouteUpdate) error {
	raw, err := u.Encode()
	if err != nil {
		return err
	}
	_, err = l.exchange(ctx, peer, &btp.Envelope{
		Type:      btp.TypeMessage,
		Protocols: []btp.Protocol{{Name: btp.ProtocolRouteUpdate, Data: raw}},
	})
	return err
}

// RequestRoutes asks peer for its current route vector.
func (l *PeerLink) RequestRoutes(ctx context.Context, peer string) (*btp.RouteUpdate, error) {
	resp, err := l.exchange(ctx, peer, &btp.Envelope{
		Type:      btp.TypeMessage,
		Protocols: []btp.Protocol{{Name: btp.ProtocolRouteControl, ContentType: btp.ContentOctetStream}},
	})
	if err != nil {
		return nil, err
	}
	proto, ok := resp.Protocol(btp.ProtocolRouteUpdate)
	if !ok {
		return nil, ilp.Failf(ilp.KindInvalidPacket, "route control answer from %s has no routes", peer)
	}
	return btp.DecodeRouteUpdate(proto.Data)
}

// Settle sends a settlement proof for amount to peer.
func (l *PeerLink) Settle(ctx context.Context, peer string, amount uint64, proof []byte) error {
	_, err := l.exchange(ctx, peer, &btp.Envelope{
		Type:      btp.TypeTransfer,
		Amount:    amount,
		Protocols: []btp.Protocol{{Name: ProtocolSettlement, ContentType: btp.ContentJSON, Data: proof}},
	})
	return err
}
