package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrUnreachable = errors.New("network: unreachable")

// Loopback connects in-process nodes by URL. Frames are copied so neither
// side can alias the other's buffers.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]HandleFunc
	down     map[string]bool
}

func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]HandleFunc), down: make(map[string]bool)}
}

func (l *Loopback) Register(url string, h HandleFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[url] = h
}

// SetDown makes url unreachable until called again with false.
func (l *Loopback) SetDown(url string, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[url] = down
}

func (l *Loopback) RoundTrip(ctx context.Context, url string, frame []byte) ([]byte, error) {
	if len(frame) == 0 || len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameSize, len(frame))
	}
	l.mu.RLock()
	h, ok := l.handlers[url]
	down := l.down[url]
	l.mu.RUnlock()
	if !ok || down {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, url)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct{ resp []byte }
	done := make(chan result, 1)
	req := append([]byte(nil), frame...)
	go func() { done <- result{resp: h(ctx, req)} }()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return append([]byte(nil), r.resp...), nil
	}
}
