package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"ilpnode/internal/btp"
	"ilpnode/internal/crypto"
	"ilpnode/internal/ilp"
	"ilpnode/internal/metrics"
	"ilpnode/internal/store"
)

const (
	labelTranscript = "ilp:handshake:v1"
	aadSealed       = "sealed"
)

var (
	ErrNodeIDMismatch = errors.New("session: node id does not match static key")
	ErrNoPending      = errors.New("session: no pending handshake")
	ErrNoURL          = errors.New("session: node has no url")
)

// Transport carries one request frame to url and returns the response frame.
type Transport interface {
	RoundTrip(ctx context.Context, url string, frame []byte) ([]byte, error)
}

// Handler processes an opened request from a peer and returns the plaintext
// response.
type Handler func(ctx context.Context, from string, payload []byte) ([]byte, error)

type Options struct {
	URL       string
	Alias     string
	KeyTTL    time.Duration
	Registry  *Registry
	Transport Transport
	Handler   Handler
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	Now       func() time.Time
}

type pending struct {
	eph       *crypto.Ephemeral
	handshake *btp.Handshake
}

// Manager owns this node's side of every peer session.
type Manager struct {
	static    *crypto.StaticKey
	id        string
	url       string
	alias     string
	keys      *KeyStore
	registry  *Registry
	transport Transport
	handler   Handler
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]pending

	handshakes singleflight.Group
}

func NewManager(static *crypto.StaticKey, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(store.NewMemory(), 0)
	}
	return &Manager{
		static:    static,
		id:        static.NodeID(),
		url:       opts.URL,
		alias:     opts.Alias,
		keys:      NewKeyStore(opts.KeyTTL),
		registry:  registry,
		transport: opts.Transport,
		handler:   opts.Handler,
		metrics:   opts.Metrics,
		log:       opts.Log,
		now:       now,
		pending:   make(map[string]pending),
	}
}

func (m *Manager) ID() string          { return m.id }
func (m *Manager) Keys() *KeyStore     { return m.keys }
func (m *Manager) Registry() *Registry { return m.registry }

// SetHandler installs the handler for inbound sealed requests.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Manager) currentHandler() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

// AddNode records a node reachable at url, e.g. a configured peer. Fields
// learned from an earlier handshake are kept.
func (m *Manager) AddNode(id, url string) error {
	return m.registry.Upsert(store.Node{ID: id, URL: url})
}

func transcript(initStatic, initEph, respStatic, respEph [crypto.PublicKeySize]byte) []byte {
	buf := make([]byte, 0, len(labelTranscript)+4*crypto.PublicKeySize)
	buf = append(buf, labelTranscript...)
	buf = append(buf, initStatic[:]...)
	buf = append(buf, initEph[:]...)
	buf = append(buf, respStatic[:]...)
	buf = append(buf, respEph[:]...)
	return buf
}

func checkNodeID(id string, static [crypto.PublicKeySize]byte) error {
	if id != crypto.NodeID(static[:]) {
		return fmt.Errorf("%w: %s", ErrNodeIDMismatch, id)
	}
	return nil
}

func (m *Manager) deriveKeys(eph *crypto.Ephemeral, peerEph, peerStatic [crypto.PublicKeySize]byte, ts []byte) (crypto.SessionKeys, error) {
	ee, err := eph.Shared(peerEph[:])
	if err != nil {
		return crypto.SessionKeys{}, err
	}
	ss, err := m.static.Shared(peerStatic[:])
	if err != nil {
		return crypto.SessionKeys{}, err
	}
	return crypto.DeriveSessionKeys(ee, ss, ts)
}

// Initiate starts a handshake towards nodeID. The ephemeral key is kept
// until Complete consumes the matching acknowledgement.
func (m *Manager) Initiate(nodeID string) (*btp.Handshake, error) {
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	pub, err := eph.Public()
	if err != nil {
		return nil, err
	}
	h := &btp.Handshake{
		NodeID:    m.id,
		StaticKey: m.static.Public(),
		URL:       m.url,
		Alias:     m.alias,
	}
	copy(h.EphemeralKey[:], pub)

	m.mu.Lock()
	if prev, ok := m.pending[nodeID]; ok {
		prev.eph.Destroy()
	}
	m.pending[nodeID] = pending{eph: eph, handshake: h}
	m.mu.Unlock()
	return h, nil
}

// Accept answers an inbound handshake, stores the resulting key and
// registers (or renews) the initiating node.
func (m *Manager) Accept(h *btp.Handshake) (*btp.HandshakeAck, error) {
	ack, err := m.accept(h)
	m.metrics.IncHandshake("responder", err == nil)
	return ack, err
}

func (m *Manager) accept(h *btp.Handshake) (*btp.HandshakeAck, error) {
	if err := checkNodeID(h.NodeID, h.StaticKey); err != nil {
		return nil, err
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()
	pub, err := eph.Public()
	if err != nil {
		return nil, err
	}
	ack := &btp.HandshakeAck{NodeID: m.id, StaticKey: m.static.Public()}
	copy(ack.EphemeralKey[:], pub)

	keys, err := m.deriveKeys(eph, h.EphemeralKey, h.StaticKey, transcript(h.StaticKey, h.EphemeralKey, ack.StaticKey, ack.EphemeralKey))
	if err != nil {
		return nil, err
	}
	now := m.now()
	m.keys.Put(KeyEntry{NodeID: h.NodeID, EphemeralKey: h.EphemeralKey, Keys: keys, CreatedAt: now})
	node := store.Node{ID: h.NodeID, PublicKey: hex.EncodeToString(h.StaticKey[:]), URL: h.URL, Alias: h.Alias}
	if err := m.registry.Register(node, now); err != nil {
		return nil, fmt.Errorf("register %s: %w", h.NodeID, err)
	}
	m.log.Debug().Str("node", h.NodeID).Str("alias", h.Alias).Msg("session accepted")
	return ack, nil
}

// Complete finishes a handshake this node initiated.
func (m *Manager) Complete(ack *btp.HandshakeAck) error {
	err := m.complete(ack)
	m.metrics.IncHandshake("initiator", err == nil)
	return err
}

func (m *Manager) complete(ack *btp.HandshakeAck) error {
	if err := checkNodeID(ack.NodeID, ack.StaticKey); err != nil {
		return err
	}
	m.mu.Lock()
	p, ok := m.pending[ack.NodeID]
	delete(m.pending, ack.NodeID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoPending, ack.NodeID)
	}
	defer p.eph.Destroy()

	h := p.handshake
	keys, err := m.deriveKeys(p.eph, ack.EphemeralKey, ack.StaticKey, transcript(h.StaticKey, h.EphemeralKey, ack.StaticKey, ack.EphemeralKey))
	if err != nil {
		return err
	}
	now := m.now()
	m.keys.Put(KeyEntry{NodeID: ack.NodeID, EphemeralKey: ack.EphemeralKey, Keys: keys, CreatedAt: now})
	node := store.Node{ID: ack.NodeID, PublicKey: hex.EncodeToString(ack.StaticKey[:])}
	if err := m.registry.Register(node, now); err != nil {
		return fmt.Errorf("register %s: %w", ack.NodeID, err)
	}
	m.log.Debug().Str("node", ack.NodeID).Msg("session established")
	return nil
}

// Seal encrypts plaintext for nodeID. A missing or stale key is returned as
// an error; Send renegotiates in that case.
func (m *Manager) Seal(nodeID string, plaintext []byte) (*btp.Sealed, error) {
	e, err := m.keys.Get(nodeID, m.now())
	if err != nil {
		return nil, err
	}
	nonce, ct, err := crypto.XSeal(e.Keys.AEADKey, plaintext, crypto.BuildAAD(aadSealed, m.id, nodeID))
	if err != nil {
		return nil, err
	}
	s := &btp.Sealed{NodeID: m.id, Ciphertext: ct}
	copy(s.Nonce[:], nonce)
	return s, nil
}

// Open authenticates and decrypts a frame sealed by s.NodeID. Tampering is
// reported as a Decryption failure.
func (m *Manager) Open(s *btp.Sealed) ([]byte, error) {
	e, err := m.keys.Get(s.NodeID, m.now())
	if err != nil {
		return nil, err
	}
	pt, err := crypto.XOpen(e.Keys.AEADKey, s.Nonce[:], s.Ciphertext, crypto.BuildAAD(aadSealed, s.NodeID, m.id))
	if err != nil {
		m.metrics.IncOpenFailure()
		return nil, ilp.Failf(ilp.KindDecryption, "sealed frame from %s failed authentication", s.NodeID)
	}
	return pt, nil
}

// MAC tags msg with the session MAC key shared with nodeID.
func (m *Manager) MAC(nodeID string, msg []byte) ([]byte, error) {
	e, err := m.keys.Get(nodeID, m.now())
	if err != nil {
		return nil, err
	}
	return crypto.MAC(e.Keys.MACKey, msg)
}

func (m *Manager) VerifyMAC(nodeID string, msg, tag []byte) error {
	e, err := m.keys.Get(nodeID, m.now())
	if err != nil {
		return err
	}
	if !crypto.VerifyMAC(e.Keys.MACKey, msg, tag) {
		return ilp.Failf(ilp.KindDecryption, "bad mac from %s", nodeID)
	}
	return nil
}

func (m *Manager) roundTrip(ctx context.Context, nodeID string, f btp.Frame) (btp.Frame, error) {
	if m.transport == nil {
		return nil, ilp.Failf(ilp.KindUnavailable, "no transport")
	}
	node, err := m.registry.Node(nodeID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", nodeID, err)
	}
	if node.URL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoURL, nodeID)
	}
	raw, err := btp.EncodeFrame(f)
	if err != nil {
		return nil, err
	}
	resp, err := m.transport.RoundTrip(ctx, node.URL, raw)
	if err != nil {
		return nil, ilp.Failf(ilp.KindUnavailable, "send to %s: %v", nodeID, err)
	}
	out, err := btp.DecodeFrame(resp)
	if err != nil {
		return nil, ilp.AsFailure(err)
	}
	if fe, ok := out.(*btp.FrameError); ok {
		if fe.Code == ilp.CodePeerUnreachable {
			m.keys.Delete(nodeID)
		}
		return nil, frameFailure(fe)
	}
	return out, nil
}

func frameFailure(fe *btp.FrameError) *ilp.Failure {
	kind := ilp.KindUnavailable
	if fe.Code == ilp.CodePeerUnreachable {
		kind = ilp.KindDecryption
	}
	return &ilp.Failure{Kind: kind, Code: fe.Code, Message: fe.Message}
}

// ensureKey runs at most one handshake per node at a time.
func (m *Manager) ensureKey(ctx context.Context, nodeID string) error {
	if _, err := m.keys.Get(nodeID, m.now()); err == nil {
		return nil
	} else if errors.Is(err, ErrStaleKey) {
		m.log.Info().Str("node", nodeID).Msg("session key expired, renegotiating")
	}
	_, err, _ := m.handshakes.Do(nodeID, func() (any, error) {
		h, err := m.Initiate(nodeID)
		if err != nil {
			return nil, err
		}
		resp, err := m.roundTrip(ctx, nodeID, h)
		if err != nil {
			m.dropPending(nodeID)
			return nil, err
		}
		ack, ok := resp.(*btp.HandshakeAck)
		if !ok {
			m.dropPending(nodeID)
			return nil, fmt.Errorf("session: unexpected %T answering handshake", resp)
		}
		if ack.NodeID != nodeID {
			m.dropPending(nodeID)
			return nil, fmt.Errorf("%w: expected %s, got %s", ErrNodeIDMismatch, nodeID, ack.NodeID)
		}
		return nil, m.Complete(ack)
	})
	return err
}

func (m *Manager) dropPending(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[nodeID]; ok {
		p.eph.Destroy()
		delete(m.pending, nodeID)
	}
}

// Send delivers payload to nodeID inside a sealed frame and returns the
// opened response. Missing or stale keys are renegotiated first; a failed
// send is not retried.
func (m *Manager) Send(ctx context.Context, nodeID string, payload []byte) ([]byte, error) {
	if err := m.ensureKey(ctx, nodeID); err != nil {
		return nil, err
	}
	sealed, err := m.Seal(nodeID, payload)
	if err != nil {
		return nil, err
	}
	resp, err := m.roundTrip(ctx, nodeID, sealed)
	if err != nil {
		return nil, err
	}
	s, ok := resp.(*btp.Sealed)
	if !ok {
		return nil, fmt.Errorf("session: unexpected %T answering sealed request", resp)
	}
	if s.NodeID != nodeID {
		return nil, ilp.Failf(ilp.KindDecryption, "response sealed by %s, expected %s", s.NodeID, nodeID)
	}
	return m.Open(s)
}

// Serve handles one inbound frame and always produces a response frame.
func (m *Manager) Serve(ctx context.Context, raw []byte) []byte {
	resp := m.serve(ctx, raw)
	out, err := btp.EncodeFrame(resp)
	if err != nil {
		m.log.Error().Err(err).Msg("encode response frame")
		out, _ = btp.EncodeFrame(&btp.FrameError{Code: ilp.CodeInternalError, Message: "internal error"})
	}
	return out
}

func (m *Manager) serve(ctx context.Context, raw []byte) btp.Frame {
	f, err := btp.DecodeFrame(raw)
	if err != nil {
		return errorFrame(ilp.AsFailure(err))
	}
	switch f := f.(type) {
	case *btp.Handshake:
		ack, err := m.Accept(f)
		if err != nil {
			m.log.Warn().Err(err).Str("node", f.NodeID).Msg("handshake rejected")
			return &btp.FrameError{Code: ilp.CodeBadRequest, Message: err.Error()}
		}
		return ack
	case *btp.Sealed:
		pt, err := m.Open(f)
		if err != nil {
			if errors.Is(err, ErrStaleKey) {
				m.keys.Delete(f.NodeID)
			}
			m.log.Debug().Err(err).Str("node", f.NodeID).Msg("open failed")
			return &btp.FrameError{Code: ilp.CodePeerUnreachable, Message: err.Error()}
		}
		h := m.currentHandler()
		if h == nil {
			return &btp.FrameError{Code: ilp.CodeInternalError, Message: "no handler"}
		}
		out, err := h(ctx, f.NodeID, pt)
		if err != nil {
			return errorFrame(ilp.AsFailure(err))
		}
		sealed, err := m.Seal(f.NodeID, out)
		if err != nil {
			return &btp.FrameError{Code: ilp.CodePeerUnreachable, Message: err.Error()}
		}
		return sealed
	default:
		return &btp.FrameError{Code: ilp.CodeBadRequest, Message: fmt.Sprintf("unexpected %T", f)}
	}
}

func errorFrame(f *ilp.Failure) *btp.FrameError {
	return &btp.FrameError{Code: f.Code, Message: f.Message}
}
