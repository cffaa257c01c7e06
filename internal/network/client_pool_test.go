package network

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	quic "github.com/quic-go/quic-go"
)

func TestConnPoolSharesFailedDial(t *testing.T) {
	release := make(chan struct{})
	var dials atomic.Int32
	dialErr := errors.New("unreachable")
	p := newConnPool(func(ctx context.Context, addr string) (*quic.Conn, error) {
		dials.Add(1)
		<-release
		return nil, dialErr
	}, time.Second)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.get(context.Background(), "127.0.0.1:1")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, dialErr) {
			t.Fatalf("caller %d: err=%v", i, err)
		}
	}
	if n := dials.Load(); n < 1 || n > 4 {
		t.Fatalf("dials=%d", n)
	}
	if p.size() != 0 {
		t.Fatalf("failed dial was pooled")
	}
}

func TestConnPoolRejectsEmptyAddress(t *testing.T) {
	p := newConnPool(func(context.Context, string) (*quic.Conn, error) {
		t.Fatalf("dial called")
		return nil, nil
	}, 0)
	if _, err := p.get(context.Background(), ""); err == nil {
		t.Fatalf("expected error")
	}
	if p.idle != clientConnIdle {
		t.Fatalf("idle=%v", p.idle)
	}
}

func TestBoundedContext(t *testing.T) {
	ctx, cancel := boundedContext(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Fatalf("no deadline applied")
	}
	parent, pcancel := context.WithTimeout(context.Background(), time.Minute)
	defer pcancel()
	ctx2, cancel2 := boundedContext(parent)
	defer cancel2()
	want, _ := parent.Deadline()
	if got, _ := ctx2.Deadline(); !got.Equal(want) {
		t.Fatalf("deadline %v, want %v", got, want)
	}
}
