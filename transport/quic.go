// Package transport implements the packet substrate a session.Session sends
// and receives frames over: unreliable datagrams carried by a QUIC
// connection (RFC 9221), reached through quic-go. It is the concrete
// fulfilment of session.Config's SendFrame/RecvFrame channel contract.
package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"fectun/session"
)

// datagramQueueDepth bounds how many frames may be buffered between the
// QUIC connection's goroutines and the session's send/recv loops.
const datagramQueueDepth = 1024

// Substrate wires a quic-go connection's unreliable datagram extension to
// the Frame channels a session.Session expects (spec 6.2).
type Substrate struct {
	conn quic.Connection
	log  *zap.Logger

	SendCh chan *session.Frame
	RecvCh chan *session.Frame

	cancel context.CancelFunc
	done   chan struct{}
}

// newSubstrate wraps an established quic.Connection and starts its pump
// goroutines.
func newSubstrate(conn quic.Connection, log *zap.Logger) *Substrate {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Substrate{
		conn:   conn,
		log:    log,
		SendCh: make(chan *session.Frame, datagramQueueDepth),
		RecvCh: make(chan *session.Frame, datagramQueueDepth),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.sendPump(ctx)
	go s.recvPump(ctx)
	return s
}

func (s *Substrate) sendPump(ctx context.Context) {
	for {
		select {
		case f, ok := <-s.SendCh:
			if !ok {
				return
			}
			if err := s.conn.SendDatagram(f.Marshal()); err != nil {
				s.log.Debug("datagram send dropped", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Substrate) recvPump(ctx context.Context) {
	defer close(s.done)
	for {
		b, err := s.conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("datagram receive stopped", zap.Error(err))
			}
			return
		}
		f, err := session.Unmarshal(b)
		if err != nil {
			s.log.Debug("dropping unparseable frame", zap.Error(err))
			continue
		}
		select {
		case s.RecvCh <- f:
		case <-ctx.Done():
			return
		}
	}
}

// Close tears down the pumps and the underlying QUIC connection.
func (s *Substrate) Close() error {
	s.cancel()
	err := s.conn.CloseWithError(0, "closing")
	<-s.done
	return err
}

// Listen accepts a single incoming QUIC connection on addr and returns its
// datagram substrate. One listener serves one peer per spec's "session
// binds one FEC tunnel to one peer" model; the mux package carries many
// logical streams to that one peer.
func Listen(ctx context.Context, addr string, insecureSkipVerify bool, log *zap.Logger) (*Substrate, error) {
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("transport: generating TLS config: %w", err)
	}
	tlsConf.InsecureSkipVerify = insecureSkipVerify

	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	conn, err := ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return newSubstrate(conn, log), nil
}

// Dial opens a QUIC connection to addr and returns its datagram substrate.
func Dial(ctx context.Context, addr string, insecureSkipVerify bool, log *zap.Logger) (*Substrate, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: insecureSkipVerify,
		NextProtos:         []string{"fectun"},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return newSubstrate(conn, log), nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  60 * time.Second,
	}
}

// selfSignedTLSConfig builds an ephemeral self-signed certificate: the
// tunnel's trust model is the peer address plus the pre-shared link
// config, not the web PKI.
func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"fectun"},
	}, nil
}
