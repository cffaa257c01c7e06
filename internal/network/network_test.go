package network

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.Bytes()[:4]; !bytes.Equal(got, []byte{0, 0, 0, 5}) {
		t.Fatalf("length prefix = %x", got)
	}
	got, err := ReadFrame(&buf)
	if err != nil || string(got) != "hello" {
		t.Fatalf("read = %q %v", got, err)
	}
}

func TestFrameRejectsBadSizes(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("zero size err = %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0xff, 0, 0, 0})); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("oversize err = %v", err)
	}
}

func TestHostPort(t *testing.T) {
	if addr, err := hostPort("quic://127.0.0.1:4433"); err != nil || addr != "127.0.0.1:4433" {
		t.Fatalf("hostPort = %q %v", addr, err)
	}
	if addr, err := hostPort("10.0.0.1:9"); err != nil || addr != "10.0.0.1:9" {
		t.Fatalf("bare hostPort = %q %v", addr, err)
	}
	if _, err := hostPort("http://x"); err == nil {
		t.Fatalf("expected error for http url")
	}
}

func TestLoopback(t *testing.T) {
	lb := NewLoopback()
	lb.Register("loop://a", func(_ context.Context, req []byte) []byte {
		return append([]byte("echo:"), req...)
	})
	resp, err := lb.RoundTrip(context.Background(), "loop://a", []byte("x"))
	if err != nil || string(resp) != "echo:x" {
		t.Fatalf("resp = %q %v", resp, err)
	}
	if _, err := lb.RoundTrip(context.Background(), "loop://b", []byte("x")); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("unknown url err = %v", err)
	}
	lb.SetDown("loop://a", true)
	if _, err := lb.RoundTrip(context.Background(), "loop://a", []byte("x")); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("down url err = %v", err)
	}
}

func TestLoopbackHonoursContext(t *testing.T) {
	lb := NewLoopback()
	block := make(chan struct{})
	defer close(block)
	lb.Register("loop://slow", func(_ context.Context, req []byte) []byte {
		<-block
		return req
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lb.RoundTrip(ctx, "loop://slow", []byte("x")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestQUICRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := &Server{
		Addr: "127.0.0.1:0",
		Handle: func(_ context.Context, req []byte) []byte {
			return append([]byte("ack:"), req...)
		},
		Log: zerolog.Nop(),
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	client := NewClient(false, zerolog.Nop())
	defer client.Close()
	for i := 0; i < 3; i++ {
		rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
		resp, err := client.RoundTrip(rctx, srv.URL(), []byte("ping"))
		rcancel()
		if err != nil {
			t.Fatalf("round trip %d: %v", i, err)
		}
		if string(resp) != "ack:ping" {
			t.Fatalf("resp = %q", resp)
		}
	}
	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
