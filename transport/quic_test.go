package transport

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"fectun/session"
)

// TestQUICSubstrateRoundTrip exercises a loopback QUIC datagram connection:
// a frame enqueued on one end's SendCh must arrive, byte-identical, on the
// other end's RecvCh.
func TestQUICSubstrateRoundTrip(t *testing.T) {
	const addr = "127.0.0.1:18743"
	log := zap.NewNop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverCh := make(chan *Substrate, 1)
	errCh := make(chan error, 1)
	go func() {
		s, err := Listen(ctx, addr, true, log)
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- s
	}()

	// Give the listener a moment to bind before dialing.
	time.Sleep(50 * time.Millisecond)

	client, err := Dial(ctx, addr, true, log)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server *Substrate
	select {
	case server = <-serverCh:
	case err := <-errCh:
		t.Fatalf("Listen: %v", err)
	case <-ctx.Done():
		t.Fatalf("timed out waiting for server accept")
	}
	defer server.Close()

	want := &session.Frame{
		FrameNo:      1,
		RunNo:        1,
		RunIdx:       0,
		DataShards:   1,
		ParityShards: 0,
		Body:         []byte("hello"),
	}
	client.SendCh <- want

	select {
	case got := <-server.RecvCh:
		if got.FrameNo != want.FrameNo || string(got.Body) != string(want.Body) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for frame")
	}
}
