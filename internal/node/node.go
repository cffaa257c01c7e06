// Package node assembles a connector node from its configuration: identity,
// persistent store, session layer, routing, forwarding and the transports
// that carry them.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ilpnode/internal/config"
	"ilpnode/internal/connector"
	"ilpnode/internal/crypto"
	"ilpnode/internal/logging"
	"ilpnode/internal/metrics"
	"ilpnode/internal/network"
	"ilpnode/internal/routing"
	"ilpnode/internal/session"
	"ilpnode/internal/settlement"
	"ilpnode/internal/store"
)

const (
	SchemeNoop     = "noop"
	metricsNS      = "ilp"
	drainTimeout   = 10 * time.Second
	httpReadHeader = 5 * time.Second
)

type Options struct {
	Log zerolog.Logger
	// Transport replaces QUIC, e.g. with a network.Loopback. No listener is
	// opened when it is set.
	Transport session.Transport
	Receiver  connector.Receiver
	Now       func() time.Time
}

type Node struct {
	Config      config.Config
	ID          string
	Store       *store.File
	Sessions    *session.Manager
	Connector   *connector.Connector
	Link        *connector.PeerLink
	Broadcaster *routing.Broadcaster
	Settlement  *settlement.Recorder
	Metrics     *metrics.Metrics

	server *network.Server
	client *network.Client
	peers  []string
	now    func() time.Time
	log    zerolog.Logger
}

func New(cfg config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StorePath, 0700); err != nil {
		return nil, err
	}
	static, created, err := crypto.LoadOrCreateStatic(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	log := opts.Log.With().Str("address", string(cfg.Node.Address)).Logger()
	if created {
		log.Info().Str("node_id", static.NodeID()).Msg("generated node key")
	}
	st, err := store.OpenFile(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	n := &Node{
		Config:  cfg,
		ID:      static.NodeID(),
		Store:   st,
		Metrics: metrics.New(metricsNS),
		now:     opts.Now,
		log:     log,
	}
	if n.now == nil {
		n.now = time.Now
	}
	transport := opts.Transport
	url := cfg.Node.URL
	if transport == nil {
		n.client = network.NewClient(cfg.Listen.Insecure, logging.Component(log, "quic"))
		n.server = &network.Server{Addr: cfg.Listen.Addr, Log: logging.Component(log, "quic")}
		transport = n.client
		if url == "" {
			url = network.URLScheme + cfg.Listen.Addr
		}
	}

	n.Sessions = session.NewManager(static, session.Options{
		URL:       url,
		Alias:     cfg.Node.Alias,
		KeyTTL:    cfg.Timing.SessionKeyTTL,
		Registry:  session.NewRegistry(st, cfg.Timing.RegistrationExpiry),
		Transport: transport,
		Metrics:   n.Metrics,
		Log:       logging.Component(log, "session"),
		Now:       opts.Now,
	})
	n.Link = connector.NewPeerLink(n.Sessions)
	peerRepo := &store.Peers{Rows: st}
	n.Settlement = settlement.NewRecorder(SchemeNoop, peerRepo)

	table := routing.NewTable()
	table.SetLocal(cfg.Node.Address)
	ledger := connector.NewLedger()
	for _, p := range cfg.Peers {
		if p.SettlementScheme != "" && p.SettlementScheme != SchemeNoop {
			return nil, fmt.Errorf("peer %s: unsupported settlement scheme %q", p.ID, p.SettlementScheme)
		}
		if err := n.Sessions.AddNode(p.ID, p.URL); err != nil {
			return nil, fmt.Errorf("add peer %s: %w", p.ID, err)
		}
		if _, err := peerRepo.Get(p.ID); errors.Is(err, store.ErrNotFound) {
			if err := peerRepo.Put(store.Peer{NodeID: p.ID, SettlementScheme: SchemeNoop}); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		if p.CreditLimit > 0 {
			ledger.SetLimit(p.ID, p.CreditLimit)
		}
		n.peers = append(n.peers, p.ID)
	}

	n.Connector = connector.New(connector.Options{
		Address:       cfg.Node.Address,
		MessageWindow: cfg.Timing.MessageWindow,
		MaxHoldTime:   cfg.Timing.MaxHoldTime,
		Table:         table,
		Forwarder:     n.Link,
		Receiver:      opts.Receiver,
		Ledger:        ledger,
		Settlement:    n.Settlement,
		Peers:         n,
		Metrics:       n.Metrics,
		Log:           logging.Component(log, "connector"),
		Now:           opts.Now,
	})
	n.Sessions.SetHandler(n.Connector.ServeSession)
	if n.server != nil {
		n.server.Handle = n.Sessions.Serve
	}

	n.Broadcaster = &routing.Broadcaster{
		Table:    table,
		Speaker:  cfg.Node.Address,
		Peers:    n.Peers,
		Sender:   n.Link,
		Interval: cfg.Timing.BroadcastInterval,
		HoldDown: 2 * cfg.Timing.BroadcastInterval,
		Metrics:  n.Metrics,
		Log:      logging.Component(log, "routing"),
	}
	return n, nil
}

// Peers lists the configured peers' node ids.
func (n *Node) Peers() []string {
	return append([]string(nil), n.peers...)
}

// IsPeer reports whether id is a configured peer. Only peers may send
// packets, routes or settlements.
func (n *Node) IsPeer(id string) bool {
	return slices.Contains(n.peers, id)
}

// Handle serves one inbound session frame.
func (n *Node) Handle(ctx context.Context, frame []byte) []byte {
	return n.Sessions.Serve(ctx, frame)
}

// Run serves until ctx is done, then drains held packets.
func (n *Node) Run(ctx context.Context) error {
	if n.server != nil {
		if err := n.server.Listen(); err != nil {
			return err
		}
	}
	n.log.Info().Str("node_id", n.ID).Int("peers", len(n.peers)).Msg("node running")

	g, gctx := errgroup.WithContext(ctx)
	if n.server != nil {
		g.Go(func() error { return n.server.Serve(gctx) })
	}
	g.Go(func() error { return n.Broadcaster.Run(gctx) })
	g.Go(func() error { return n.pruneLoop(gctx) })
	if addr := n.Config.Listen.MetricsAddr; addr != "" {
		g.Go(func() error { return n.serveMetrics(gctx, addr) })
	}
	err := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if serr := n.Shutdown(sctx); serr != nil && err == nil {
		err = serr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.Config.Timing.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.Connector.PruneStalePeers(n.Sessions.Registry())
			if pruned := n.Sessions.Keys().Prune(n.now()); pruned > 0 {
				n.log.Debug().Int("keys", pruned).Msg("expired session keys pruned")
			}
		}
	}
}

func (n *Node) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.Metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: httpReadHeader}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	n.log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	return ctx.Err()
}

// Shutdown drains the connector, closes outbound connections and compacts
// the store.
func (n *Node) Shutdown(ctx context.Context) error {
	err := n.Connector.Shutdown(ctx)
	if n.client != nil {
		n.client.Close()
	}
	if cerr := n.Store.Compact(); cerr != nil {
		n.log.Warn().Err(cerr).Msg("store compaction failed")
	}
	return err
}
