package network

import (
	"context"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"golang.org/x/sync/singleflight"
)

const (
	clientConnIdle = 30 * time.Second
	clientTimeout  = 8 * time.Second
)

type dialFunc func(ctx context.Context, addr string) (*quic.Conn, error)

type poolEntry struct {
	conn     *quic.Conn
	lastUsed time.Time
}

func (e *poolEntry) usable(now time.Time, idle time.Duration) bool {
	return e.conn.Context().Err() == nil && now.Sub(e.lastUsed) <= idle
}

// connPool keeps one live connection per peer address. Concurrent dials to
// the same address share one handshake.
type connPool struct {
	dial    dialFunc
	idle    time.Duration
	dialing singleflight.Group

	mu      sync.Mutex
	entries map[string]*poolEntry
}

func newConnPool(dial dialFunc, idle time.Duration) *connPool {
	if idle <= 0 {
		idle = clientConnIdle
	}
	return &connPool{dial: dial, idle: idle, entries: make(map[string]*poolEntry)}
}

func (p *connPool) cached(addr string, now time.Time) *quic.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[addr]
	if !ok {
		return nil
	}
	if e.usable(now, p.idle) {
		e.lastUsed = now
		return e.conn
	}
	delete(p.entries, addr)
	go e.conn.CloseWithError(0, "idle")
	return nil
}

func (p *connPool) get(ctx context.Context, addr string) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("network: empty address")
	}
	if conn := p.cached(addr, time.Now()); conn != nil {
		return conn, nil
	}
	v, err, _ := p.dialing.Do(addr, func() (any, error) {
		conn, err := p.dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.entries[addr] = &poolEntry{conn: conn, lastUsed: time.Now()}
		p.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*quic.Conn), nil
}

func (p *connPool) touch(addr string, conn *quic.Conn) {
	p.mu.Lock()
	if e, ok := p.entries[addr]; ok && e.conn == conn {
		e.lastUsed = time.Now()
	}
	p.mu.Unlock()
}

// drop forgets conn and closes it with reason.
func (p *connPool) drop(addr string, conn *quic.Conn, reason string) {
	p.mu.Lock()
	if e, ok := p.entries[addr]; ok && e.conn == conn {
		delete(p.entries, addr)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()
	for _, e := range entries {
		_ = e.conn.CloseWithError(0, "shutdown")
	}
}

func (p *connPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// boundedContext applies clientTimeout when ctx carries no deadline.
func boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}
