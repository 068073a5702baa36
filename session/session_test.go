package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestSessionRoundTripThroughLossySubstrate drives bytes through one
// Session, a simulated lossy wire, and a peer Session, checking that every
// payload arrives even though some frames are dropped in transit.
func TestSessionRoundTripThroughLossySubstrate(t *testing.T) {
	wireAtoB := make(chan *Frame, 4096)
	wireBtoA := make(chan *Frame, 4096)

	lossyAtoB := make(chan *Frame, 4096)
	go func() {
		n := 0
		for f := range wireAtoB {
			n++
			if n%5 == 0 { // drop every 5th frame
				continue
			}
			lossyAtoB <- f
		}
		close(lossyAtoB)
	}()

	a := New(Config{
		Latency:    5 * time.Millisecond,
		TargetLoss: 0.3,
		SendFrame:  wireAtoB,
		RecvFrame:  wireBtoA,
	}, nil)
	defer a.Close()

	b := New(Config{
		Latency:    5 * time.Millisecond,
		TargetLoss: 0.3,
		SendFrame:  wireBtoA,
		RecvFrame:  lossyAtoB,
	}, nil)
	defer b.Close()

	const n = 50
	for i := 0; i < n; i++ {
		a.SendBytes([]byte{byte(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got := 0
	for got < n {
		_, ok := b.RecvBytes(ctx)
		require.True(t, ok, "recv timed out after %d/%d payloads", got, n)
		got++
	}
}

func TestSessionOnDropRunsOnClose(t *testing.T) {
	send := make(chan *Frame, 8)
	recv := make(chan *Frame)
	s := New(Config{SendFrame: send, RecvFrame: recv}, nil)

	fired := make(chan struct{}, 1)
	s.OnDrop(func() { fired <- struct{}{} })
	s.Close()

	select {
	case <-fired:
	default:
		require.Fail(t, "on-drop hook did not run")
	}
}
