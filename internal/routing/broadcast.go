package routing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ilpnode/internal/btp"
	"ilpnode/internal/ilp"
	"ilpnode/internal/metrics"
)

const maxConcurrentSends = 8

// Sender delivers a route vector to one directly connected peer.
type Sender interface {
	SendRoutes(ctx context.Context, peer string, u *btp.RouteUpdate) error
}

// Broadcaster periodically pushes this node's routes to every peer. A failed
// send is logged and waits for the next round.
type Broadcaster struct {
	Table    *Table
	Speaker  ilp.Address
	Peers    func() []string
	Sender   Sender
	Interval time.Duration
	HoldDown time.Duration
	Metrics  *metrics.Metrics
	Log      zerolog.Logger

	epoch atomic.Uint32
}

// BroadcastOnce sends one round and reports how many peers accepted it.
func (b *Broadcaster) BroadcastOnce(ctx context.Context) int {
	epoch := b.epoch.Add(1)
	var ok atomic.Int32
	var g errgroup.Group
	g.SetLimit(maxConcurrentSends)
	for _, peer := range b.Peers() {
		g.Go(func() error {
			u := &btp.RouteUpdate{Speaker: b.Speaker, Epoch: epoch}
			for _, r := range b.Table.Advertisement(peer) {
				u.Routes = append(u.Routes, btp.Route{Prefix: r.Prefix, Distance: r.Distance})
			}
			if b.HoldDown > 0 {
				hd := b.HoldDown
				u.HoldDown = &hd
			}
			err := b.Sender.SendRoutes(ctx, peer, u)
			b.Metrics.IncBroadcast(err == nil)
			if err != nil {
				b.Log.Warn().Err(err).Str("peer", peer).Uint32("epoch", epoch).Msg("route broadcast failed")
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load())
}

// Run broadcasts every Interval until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()
	b.BroadcastOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.BroadcastOnce(ctx)
		}
	}
}
