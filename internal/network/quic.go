// Package network moves session frames between nodes: QUIC with one
// bidirectional stream per request, and an in-process loopback for tests.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

const (
	URLScheme         = "quic://"
	defaultMaxConns   = 64
	defaultMaxStreams = 256
	streamTimeout     = 35 * time.Second
)

// HandleFunc answers one request frame.
type HandleFunc func(ctx context.Context, frame []byte) []byte

// Server accepts QUIC connections and serves each stream as one
// request/response exchange.
type Server struct {
	Addr       string
	Handle     HandleFunc
	MaxConns   int
	MaxStreams int
	Log        zerolog.Logger

	listener *quic.Listener
	limiter  *ipLimiter
}

// Listen binds the UDP socket. Serve must be called afterwards.
func (s *Server) Listen() error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(s.Addr, tlsConf, &quic.Config{MaxIdleTimeout: clientConnIdle})
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", s.Addr, err)
	}
	maxConns, maxStreams := s.MaxConns, s.MaxStreams
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if maxStreams <= 0 {
		maxStreams = defaultMaxStreams
	}
	s.listener = ln
	s.limiter = newIPLimiter(maxConns, maxStreams)
	s.Log.Info().Str("addr", ln.Addr().String()).Msg("quic listen ready")
	return nil
}

// URL is the address peers dial to reach this server.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return URLScheme + s.listener.Addr().String()
}

// Serve accepts connections until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("network: Serve before Listen")
	}
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		ip := remoteIP(conn.RemoteAddr())
		if !s.limiter.acquireConn(ip) {
			s.Log.Warn().Str("ip", ip).Msg("connection limit reached")
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		go s.serveConn(ctx, conn, ip)
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, ip string) {
	defer s.limiter.releaseConn(ip)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			s.Log.Debug().Err(err).Str("ip", ip).Msg("accept stream ended")
			return
		}
		if !s.limiter.acquireStream(ip) {
			stream.CancelRead(1)
			stream.CancelWrite(1)
			continue
		}
		go func(st *quic.Stream) {
			defer s.limiter.releaseStream(ip)
			s.serveStream(ctx, st)
		}(stream)
	}
}

func (s *Server) serveStream(ctx context.Context, st *quic.Stream) {
	defer st.Close()
	_ = st.SetDeadline(time.Now().Add(streamTimeout))
	req, err := ReadFrame(st)
	if err != nil {
		s.Log.Debug().Err(err).Msg("read request frame")
		st.CancelRead(1)
		return
	}
	resp := s.Handle(ctx, req)
	if err := WriteFrame(st, resp); err != nil {
		s.Log.Debug().Err(err).Msg("write response frame")
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Client dials peers over QUIC and keeps one pooled connection per address.
type Client struct {
	Insecure bool
	Log      zerolog.Logger

	pool *connPool
}

func NewClient(insecure bool, log zerolog.Logger) *Client {
	c := &Client{Insecure: insecure, Log: log}
	c.pool = newConnPool(c.dial, clientConnIdle)
	return c
}

func (c *Client) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	tlsConf, err := clientTLSConfig(c.Insecure)
	if err != nil {
		return nil, err
	}
	return quic.DialAddr(ctx, addr, tlsConf, &quic.Config{MaxIdleTimeout: clientConnIdle})
}

func hostPort(url string) (string, error) {
	addr := strings.TrimPrefix(url, URLScheme)
	if addr == "" || strings.Contains(addr, "://") {
		return "", fmt.Errorf("network: unsupported url %q", url)
	}
	return addr, nil
}

// RoundTrip sends frame on a fresh stream and waits for the response frame.
// It does not retry.
func (c *Client) RoundTrip(ctx context.Context, url string, frame []byte) ([]byte, error) {
	addr, err := hostPort(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := boundedContext(ctx)
	defer cancel()
	conn, err := c.pool.get(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.pool.drop(addr, conn, "open stream failed")
		return nil, fmt.Errorf("open stream %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}
	if err := WriteFrame(st, frame); err != nil {
		st.CancelRead(1)
		c.pool.drop(addr, conn, "write failed")
		return nil, fmt.Errorf("write %s: %w", addr, err)
	}
	if err := st.Close(); err != nil {
		c.Log.Debug().Err(err).Str("addr", addr).Msg("close write side")
	}
	resp, err := ReadFrame(st)
	if err != nil {
		st.CancelRead(1)
		return nil, fmt.Errorf("read %s: %w", addr, err)
	}
	c.pool.touch(addr, conn)
	return resp, nil
}

func (c *Client) Close() {
	c.pool.closeAll()
}
