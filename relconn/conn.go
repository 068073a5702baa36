package relconn

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Sentinel errors surfaced to callers (spec 7); every other loss/decode/
// replay condition is absorbed locally and never returned.
var (
	ErrConnClosed = errors.New("relconn: connection closed")
	ErrConnBroken = errors.New("relconn: connection broken")
)

// MessageChannel is the boundary contract a Conn depends on: the session
// engine, reached only through its opaque-payload channel abstraction
// (spec 3, "Depends on the session engine only through the message channel
// abstraction").
type MessageChannel interface {
	SendBytes([]byte)
	RecvBytes(ctx context.Context) ([]byte, bool)
}

// Config configures one reliable connection.
type Config struct {
	// MTU bounds how large one Data payload may be.
	MTU int
	// DelayedAck is how long the ack accumulator waits before flushing a
	// partial ack set (spec 4.5, suggested 10-20ms).
	DelayedAck time.Duration
	// AckThreshold is how many pending seqnos force an immediate ack flush.
	AckThreshold int
	// IdleTimeout is how long without ack progress before the connection
	// is declared broken (spec 4.7, "Exhaustion").
	IdleTimeout time.Duration
	// MaxRetransPerSeqno bounds retransmissions of a single seqno before
	// the connection is declared broken (spec 4.7, suggested 30).
	MaxRetransPerSeqno int
	// TickInterval is the housekeeping period for ack flush / RTO check /
	// idle check; it need not be cycle-accurate (spec 5).
	TickInterval time.Duration
}

// DefaultConfig fills in the suggested values from spec 4.4, 4.5, 4.7.
func DefaultConfig() Config {
	return Config{
		MTU:                1200,
		DelayedAck:         15 * time.Millisecond,
		AckThreshold:       32,
		IdleTimeout:        30 * time.Second,
		MaxRetransPerSeqno: 30,
		TickInterval:       5 * time.Millisecond,
	}
}

// Stats is the snapshot returned by Conn.Stats (spec 6.4).
type Stats struct {
	State        State
	Cwnd         float64
	SRTT         time.Duration
	RTTVar       time.Duration
	MinRTT       time.Duration
	LossRate     float64
	Inflight     int
	NextSeqno    Seqno
	LowestUnseen Seqno
	RetransCount uint64
}

// Conn is a reliable, in-order byte stream multiplexed over a session
// (spec 6.4): send, recv, close, reset, stats.
type Conn struct {
	cfg Config
	ch  MessageChannel
	log *zap.Logger

	appSend chan []byte
	appRecv chan []byte

	closeReq chan struct{}
	resetReq chan struct{}
	statsReq chan chan Stats

	dropMu    sync.Mutex
	dropHooks []func()

	cancel context.CancelFunc
	done   chan struct{}

	closeErrMu sync.Mutex
	closeErr   error
}

// New opens a connection over ch, sending Syn immediately and starting the
// owning connection goroutine.
func New(cfg Config, ch MessageChannel, log *zap.Logger) *Conn {
	if cfg.MTU <= 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:      cfg,
		ch:       ch,
		log:      log,
		appSend:  make(chan []byte, 256),
		appRecv:  make(chan []byte, 256),
		closeReq: make(chan struct{}),
		resetReq: make(chan struct{}),
		statsReq: make(chan chan Stats),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// OnDrop registers a closure run when the connection reaches Closed.
func (c *Conn) OnDrop(fn func()) {
	c.dropMu.Lock()
	c.dropHooks = append(c.dropHooks, fn)
	c.dropMu.Unlock()
}

// Send segments b into MTU-bounded chunks and enqueues them for the
// connection loop to admit. It blocks under backpressure but never drops
// bytes: the reliable layer is lossless by construction (spec 5, 7).
func (c *Conn) Send(ctx context.Context, b []byte) error {
	for len(b) > 0 {
		n := c.cfg.MTU
		if n > len(b) {
			n = len(b)
		}
		chunk := append([]byte(nil), b[:n]...)
		select {
		case c.appSend <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return c.closeError()
		}
		b = b[n:]
	}
	return nil
}

// Recv blocks for the next delivered, in-order chunk of application bytes.
// It returns ok=false once the connection is closed or reset.
func (c *Conn) Recv(ctx context.Context) ([]byte, bool) {
	select {
	case b, ok := <-c.appRecv:
		return b, ok
	case <-ctx.Done():
		return nil, false
	case <-c.done:
		return nil, false
	}
}

// Close initiates a graceful close: Fin is sent, inflight data continues
// draining/retransmitting until it is gone, then the connection reaches
// Closed.
func (c *Conn) Close() error {
	select {
	case <-c.closeReq:
	default:
		close(c.closeReq)
	}
	<-c.done
	return c.closeError()
}

// Reset tears the connection down immediately with Rst.
func (c *Conn) Reset() error {
	select {
	case <-c.resetReq:
	default:
		close(c.resetReq)
	}
	<-c.done
	return c.closeError()
}

// Stats returns a snapshot of connection state.
func (c *Conn) Stats(ctx context.Context) (Stats, bool) {
	reply := make(chan Stats, 1)
	select {
	case c.statsReq <- reply:
	case <-ctx.Done():
		return Stats{}, false
	case <-c.done:
		return Stats{}, false
	}
	select {
	case st := <-reply:
		return st, true
	case <-ctx.Done():
		return Stats{}, false
	}
}

func (c *Conn) closeError() error {
	c.closeErrMu.Lock()
	defer c.closeErrMu.Unlock()
	if c.closeErr == nil {
		return ErrConnClosed
	}
	return c.closeErr
}

func (c *Conn) setCloseError(err error) {
	c.closeErrMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeErrMu.Unlock()
}

// run is the single owning goroutine for this connection's ConnVars; no
// other goroutine mutates connection state (spec 5).
func (c *Conn) run(ctx context.Context) {
	defer c.finish()

	now := time.Now()
	cv := NewConnVars(now)
	state := Opening
	dupAckCount := make(map[Seqno]int)

	inbound := make(chan Message, 256)
	go c.pump(ctx, inbound)

	c.ch.SendBytes(NewSyn().Marshal())

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	var pacingTimer *time.Timer
	var pacingC <-chan time.Time

	armPacing := func() {
		rate := cv.PacingRate()
		if rate <= 0 {
			rate = 1
		}
		interval := time.Duration(float64(time.Second) / rate)
		if interval < 100*time.Microsecond {
			interval = 100 * time.Microsecond
		}
		if interval > time.Second {
			interval = time.Second
		}
		if pacingTimer == nil {
			pacingTimer = time.NewTimer(interval)
		} else {
			pacingTimer.Reset(interval)
		}
		pacingC = pacingTimer.C
	}
	armPacing()

	canAdmitMore := func() bool {
		return cv.Inflight.Len() < int(math.Floor(cv.Congestion.Cwnd))
	}

	sendQueue := func() chan []byte {
		if state == Closing || state == Closed {
			return nil
		}
		if !canAdmitMore() {
			return nil
		}
		return c.appSend
	}

	finishClosing := func(reason error) {
		if state == Closed {
			return
		}
		state = Closed
		if reason != nil {
			c.setCloseError(reason)
		}
	}

	for state != Closed {
		var paceCh <-chan time.Time
		if canAdmitMore() {
			paceCh = pacingC
		}

		select {
		case <-ctx.Done():
			finishClosing(ErrConnClosed)

		case <-c.closeReq:
			if state == Opening || state == Established {
				state = Closing
				cv.Closing = true
				c.ch.SendBytes(NewFin().Marshal())
			}

		case <-c.resetReq:
			c.ch.SendBytes(NewRst().Marshal())
			finishClosing(ErrConnClosed)

		case reply := <-c.statsReq:
			reply <- Stats{
				State:        state,
				Cwnd:         cv.Congestion.Cwnd,
				SRTT:         cv.Inflight.SRTT(),
				RTTVar:       cv.Inflight.RTTVar(),
				MinRTT:       cv.Inflight.MinRTT(),
				LossRate:     cv.Congestion.LossRate,
				Inflight:     cv.Inflight.Len(),
				NextSeqno:    cv.NextFreeSeqno,
				LowestUnseen: cv.Reorderer.LowestUnseen(),
				RetransCount: cv.RetransCount,
			}

		case <-paceCh:
			select {
			case chunk := <-sendQueue():
				if chunk != nil {
					now = time.Now()
					seqno := cv.NextFreeSeqno
					cv.NextFreeSeqno++
					cv.Inflight.Add(seqno, chunk, now)
					c.ch.SendBytes(NewData(seqno, chunk).Marshal())
				}
			default:
			}
			armPacing()

		case msg, ok := <-inbound:
			if !ok {
				finishClosing(ErrConnClosed)
				break
			}
			now = time.Now()
			switch msg.Kind {
			case KindSyn:
				if state == Opening {
					state = Established
				}
			case KindFin:
				if state != Closed {
					state = Closing
					cv.Closing = true
				}
			case KindRst:
				finishClosing(ErrConnClosed)
			case KindData:
				if state == Opening {
					state = Established
				}
				c.handleData(cv, msg, now)
			case KindDataAck:
				if state == Opening {
					state = Established
				}
				c.handleAck(cv, dupAckCount, msg, now)
			}

		case <-ticker.C:
			now = time.Now()
			c.flushDelayedAck(cv, now)
			broke := c.checkRetransmits(cv, now)
			if broke {
				finishClosing(ErrConnBroken)
				break
			}
			if cv.IdleSince(now) > c.cfg.IdleTimeout && cv.Inflight.Len() > 0 {
				finishClosing(ErrConnBroken)
				break
			}
			if state == Closing && cv.Inflight.Len() == 0 {
				finishClosing(nil)
			}
		}
	}
	if pacingTimer != nil {
		pacingTimer.Stop()
	}
}

// handleData admits an inbound Data payload into the reorderer, delivering
// any newly-contiguous prefix to the application and (re)acking the seqno
// (spec 4.5).
func (c *Conn) handleData(cv *ConnVars, msg Message, now time.Time) {
	if msg.Seqno < cv.Reorderer.LowestUnseen() {
		cv.AddPendingAck(msg.Seqno) // duplicate arrival: still ack it
		c.flushDelayedAckIfDue(cv, now, true)
		return
	}
	out := cv.Reorderer.Insert(msg.Seqno, msg.Payload)
	cv.AddPendingAck(msg.Seqno)
	for _, p := range out {
		select {
		case c.appRecv <- p:
		default:
			// Backpressure from the application: block until it reads
			// rather than drop, since this layer must be lossless.
			c.appRecv <- p
		}
	}
	c.flushDelayedAckIfDue(cv, now, false)
}

func (c *Conn) flushDelayedAckIfDue(cv *ConnVars, now time.Time, force bool) {
	if !cv.DelayedAckArmed {
		cv.DelayedAckArmed = true
		cv.DelayedAckAt = now.Add(c.cfg.DelayedAck)
	}
	if force || len(cv.AckSeqnos) >= c.cfg.AckThreshold {
		c.flushDelayedAck(cv, now)
	}
}

func (c *Conn) flushDelayedAck(cv *ConnVars, now time.Time) {
	if !cv.DelayedAckArmed {
		return
	}
	if now.Before(cv.DelayedAckAt) && len(cv.AckSeqnos) < c.cfg.AckThreshold {
		return
	}
	acked := cv.TakePendingAcks()
	cv.DelayedAckArmed = false
	if len(acked) == 0 {
		return
	}
	ack := NewDataAck(acked, cv.Reorderer.LowestUnseen())
	c.ch.SendBytes(ack.Marshal())
}

// handleAck processes an inbound DataAck (spec 4.5, 4.6): cumulative
// implicit acks, explicit selective acks with RTT sampling, and the
// dup-ack fast-retransmit path for seqnos that keep getting skipped while
// later seqnos get through.
func (c *Conn) handleAck(cv *ConnVars, dupAckCount map[Seqno]int, msg Message, now time.Time) {
	maxAcked := msg.LowestUnseen
	for s := range msg.Acked {
		if s > maxAcked {
			maxAcked = s
		}
	}

	for s, e := range cv.Inflight.entries {
		if _, ok := msg.Acked[s]; ok {
			cv.Inflight.Remove(s)
			delete(dupAckCount, s)
			if e.RTTEligible() {
				cv.Inflight.SampleRTT(now.Sub(e.SendTime))
			}
			cv.Inflight.RecordAck(now)
			cv.CongestionAck(now)
			continue
		}
		if s < msg.LowestUnseen {
			cv.Inflight.Remove(s)
			delete(dupAckCount, s)
			cv.Inflight.RecordAck(now)
			cv.lastAckProgress = now
			continue
		}
		if maxAcked > s {
			dupAckCount[s]++
			if dupAckCount[s] >= fastRetransmitThreshold && now.Sub(e.SendTime) > cv.Inflight.RTO() {
				c.retransmit(cv, e, now)
				dupAckCount[s] = 0
			}
		}
	}
}

// fastRetransmitThreshold is the dup-ack count that triggers an immediate
// retransmit ahead of the RTO timer (spec 4.5).
const fastRetransmitThreshold = 3

// checkRetransmits resends any inflight entry whose age exceeds RTO,
// reporting whether the connection has exceeded the retransmit bound on
// some seqno (spec 4.7, "Exhaustion").
func (c *Conn) checkRetransmits(cv *ConnVars, now time.Time) (broken bool) {
	rto := cv.Inflight.RTO()
	for _, e := range cv.Inflight.entries {
		if now.Sub(e.SendTime) <= rto {
			continue
		}
		if e.RetransCount >= c.cfg.MaxRetransPerSeqno {
			return true
		}
		c.retransmit(cv, e, now)
	}
	return false
}

func (c *Conn) retransmit(cv *ConnVars, e *Entry, now time.Time) {
	cv.Inflight.MarkRetransmitted(e.Seqno, now)
	cv.RetransCount++
	cv.CongestionLoss(now)
	c.ch.SendBytes(NewData(e.Seqno, e.Payload).Marshal())
}

// pump bridges the blocking MessageChannel.RecvBytes into a channel the
// run loop can select on alongside its timers.
func (c *Conn) pump(ctx context.Context, out chan<- Message) {
	defer close(out)
	for {
		b, ok := c.ch.RecvBytes(ctx)
		if !ok {
			return
		}
		msg, err := ParseMessage(b)
		if err != nil {
			c.log.Debug("dropping unparseable stream message", zap.Error(err))
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) finish() {
	c.cancel()
	close(c.done)
	c.dropMu.Lock()
	hooks := c.dropHooks
	c.dropHooks = nil
	c.dropMu.Unlock()
	var errs error
	for _, fn := range hooks {
		errs = multierr.Append(errs, safeCall(fn))
	}
	if errs != nil {
		c.log.Warn("on-drop hooks reported errors", zap.Error(errs))
	}
}

func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("relconn: on-drop hook panicked")
		}
	}()
	fn()
	return nil
}
