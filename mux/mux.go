// Package mux multiplexes many reliable connections (relconn.Conn) over a
// single FEC session, tagging each stream message with a small connection
// ID header so one session.Session substrate can carry an arbitrary number
// of logical streams between the same two endpoints.
package mux

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"fectun/relconn"
)

// ConnID identifies one logical stream within a session.
type ConnID = uint32

const idHeaderLen = 4

// closedIDTTL is how long a torn-down connection ID is remembered so that
// stray, reordered, or duplicated frames arriving for it after Close are
// dropped instead of spawning a phantom inbound connection.
const closedIDTTL = 2 * time.Minute

// sessionChannel is the boundary a Mux depends on: a session.Session
// exposes exactly this surface.
type sessionChannel interface {
	SendBytes(b []byte)
	RecvBytes(ctx context.Context) ([]byte, bool)
}

// Mux multiplexes relconn connections over one sessionChannel.
type Mux struct {
	sess sessionChannel
	log  *zap.Logger
	cfg  relconn.Config

	mu     sync.Mutex
	conns  map[ConnID]*connChannel
	closed *cache.Cache

	nextID atomic.Uint32

	acceptCh chan *relconn.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a multiplexer over sess. cfg configures every relconn.Conn the
// mux creates, whether dialed locally or accepted from the peer.
func New(sess sessionChannel, cfg relconn.Config, log *zap.Logger) *Mux {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		sess:     sess,
		log:      log,
		cfg:      cfg,
		conns:    make(map[ConnID]*connChannel),
		closed:   cache.New(closedIDTTL, closedIDTTL/2),
		acceptCh: make(chan *relconn.Conn, 16),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go m.demux(ctx)
	return m
}

// Close stops the demultiplexer. Connections already handed out keep
// running until closed individually.
func (m *Mux) Close() {
	m.cancel()
	<-m.done
}

// Dial opens a new logical connection, allocating a fresh connection ID.
func (m *Mux) Dial() *relconn.Conn {
	id := m.nextID.Add(1)
	cc := m.register(id)
	conn := relconn.New(m.cfg, cc, m.log)
	conn.OnDrop(func() { m.unregister(id) })
	return conn
}

// Accept blocks for the next peer-initiated logical connection.
func (m *Mux) Accept(ctx context.Context) (*relconn.Conn, error) {
	select {
	case c := <-m.acceptCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, fmt.Errorf("mux: closed")
	}
}

func (m *Mux) register(id ConnID) *connChannel {
	cc := &connChannel{
		id:   id,
		mux:  m,
		recv: make(chan []byte, 256),
	}
	m.mu.Lock()
	m.conns[id] = cc
	m.mu.Unlock()
	return cc
}

func (m *Mux) unregister(id ConnID) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
	m.closed.SetDefault(cacheKey(id), struct{}{})
}

func cacheKey(id ConnID) string {
	return fmt.Sprintf("%d", id)
}

// demux reads tagged frames off the shared session and routes each to its
// connection's inbound queue, creating a new inbound Conn on first sight of
// an unknown, not-recently-closed ID.
func (m *Mux) demux(ctx context.Context) {
	defer close(m.done)
	for {
		b, ok := m.sess.RecvBytes(ctx)
		if !ok {
			return
		}
		if len(b) < idHeaderLen {
			m.log.Debug("dropping undersized muxed frame", zap.Int("len", len(b)))
			continue
		}
		id := binary.BigEndian.Uint32(b[:idHeaderLen])
		body := append([]byte(nil), b[idHeaderLen:]...)

		m.mu.Lock()
		cc, known := m.conns[id]
		m.mu.Unlock()

		if !known {
			if _, recentlyClosed := m.closed.Get(cacheKey(id)); recentlyClosed {
				continue
			}
			cc = m.register(id)
			conn := relconn.New(m.cfg, cc, m.log)
			conn.OnDrop(func() { m.unregister(id) })
			select {
			case m.acceptCh <- conn:
			case <-ctx.Done():
				return
			}
		}

		select {
		case cc.recv <- body:
		case <-ctx.Done():
			return
		}
	}
}

// connChannel is the relconn.MessageChannel for one logical stream: it
// prefixes outbound messages with the connection ID and reads inbound
// bodies the demux loop already stripped the ID from.
type connChannel struct {
	id   ConnID
	mux  *Mux
	recv chan []byte
}

func (cc *connChannel) SendBytes(b []byte) {
	tagged := make([]byte, idHeaderLen+len(b))
	binary.BigEndian.PutUint32(tagged[:idHeaderLen], cc.id)
	copy(tagged[idHeaderLen:], b)
	cc.mux.sess.SendBytes(tagged)
}

func (cc *connChannel) RecvBytes(ctx context.Context) ([]byte, bool) {
	select {
	case b, ok := <-cc.recv:
		return b, ok
	case <-ctx.Done():
		return nil, false
	}
}
