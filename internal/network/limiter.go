package network

import "sync"

// ipCounter caps concurrent holders per remote IP. A cap of zero disables it.
type ipCounter struct {
	mu    sync.Mutex
	cap   int
	count map[string]int
}

func newIPCounter(limit int) *ipCounter {
	return &ipCounter{cap: limit, count: make(map[string]int)}
}

func (c *ipCounter) acquire(ip string) bool {
	if c.cap <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count[ip] >= c.cap {
		return false
	}
	c.count[ip]++
	return true
}

func (c *ipCounter) release(ip string) {
	if c.cap <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count[ip] <= 1 {
		delete(c.count, ip)
		return
	}
	c.count[ip]--
}

func (c *ipCounter) held(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[ip]
}

// ipLimiter bounds QUIC connections and in-flight request streams per peer
// address.
type ipLimiter struct {
	conns   *ipCounter
	streams *ipCounter
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{conns: newIPCounter(maxConns), streams: newIPCounter(maxStreams)}
}

func (l *ipLimiter) acquireConn(ip string) bool   { return l.conns.acquire(ip) }
func (l *ipLimiter) releaseConn(ip string)        { l.conns.release(ip) }
func (l *ipLimiter) acquireStream(ip string) bool { return l.streams.acquire(ip) }
func (l *ipLimiter) releaseStream(ip string)      { l.streams.release(ip) }
