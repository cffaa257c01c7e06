// Package testutil bounds fuzz inputs for the wire decoders.
package testutil

import (
	"testing"
	"time"
)

const (
	// DefaultMaxFuzzBytes is above the largest frame a peer may send.
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
)

func CapBytes(b []byte, limit int) []byte {
	if limit <= 0 || len(b) <= limit {
		return b
	}
	return b[:limit]
}

// WithTimeout fails t when fn runs longer than d. A decoder that loops on
// hostile input shows up here rather than as a hung fuzz worker.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("decoder did not return within %s", d)
	}
}

// Decode runs fn on data capped to DefaultMaxFuzzBytes under the default
// timeout.
func Decode(t testing.TB, data []byte, fn func([]byte)) {
	t.Helper()
	data = CapBytes(data, DefaultMaxFuzzBytes)
	WithTimeout(t, DefaultFuzzTimeout, func() { fn(data) })
}
