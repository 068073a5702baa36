package mux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fectun/relconn"
)

// pairChannel is a sessionChannel backed by two directional byte-slice
// channels, connecting two Mux instances in-memory for tests.
type pairChannel struct {
	sendCh chan<- []byte
	recvCh <-chan []byte
}

func (p *pairChannel) SendBytes(b []byte) { p.sendCh <- b }

func (p *pairChannel) RecvBytes(ctx context.Context) ([]byte, bool) {
	select {
	case b, ok := <-p.recvCh:
		return b, ok
	case <-ctx.Done():
		return nil, false
	}
}

func newPair() (sessionChannel, sessionChannel) {
	aToB := make(chan []byte, 4096)
	bToA := make(chan []byte, 4096)
	a := &pairChannel{sendCh: aToB, recvCh: bToA}
	b := &pairChannel{sendCh: bToA, recvCh: aToB}
	return a, b
}

func TestMuxDialAcceptRoutesByConnID(t *testing.T) {
	sa, sb := newPair()
	log := zap.NewNop()

	cfg := relconn.DefaultConfig()
	cfg.TickInterval = 2 * time.Millisecond

	ma := New(sa, cfg, log)
	mb := New(sb, cfg, log)
	defer ma.Close()
	defer mb.Close()

	client := ma.Dial()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server, err := mb.Accept(ctx)
	require.NoError(t, err)
	defer server.Close()

	require.NoError(t, client.Send(ctx, []byte("hello")))
	got, ok := server.Recv(ctx)
	require.True(t, ok, "Recv failed")
	require.Equal(t, "hello", string(got))
}

func TestMuxSeparatesConcurrentStreams(t *testing.T) {
	sa, sb := newPair()
	log := zap.NewNop()

	cfg := relconn.DefaultConfig()
	cfg.TickInterval = 2 * time.Millisecond

	ma := New(sa, cfg, log)
	mb := New(sb, cfg, log)
	defer ma.Close()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1 := ma.Dial()
	defer c1.Close()
	c2 := ma.Dial()
	defer c2.Close()

	if err := c1.Send(ctx, []byte("one")); err != nil {
		t.Fatalf("c1 Send: %v", err)
	}
	if err := c2.Send(ctx, []byte("two")); err != nil {
		t.Fatalf("c2 Send: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		s, err := mb.Accept(ctx)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		b, ok := s.Recv(ctx)
		if !ok {
			t.Fatalf("Recv failed")
		}
		seen[string(b)] = true
		s.Close()
	}
	if !seen["one"] || !seen["two"] {
		t.Fatalf("did not see both streams distinctly: %v", seen)
	}
}
