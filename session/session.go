// Package session implements the FEC-coded datagram session engine: a
// send pipeline that batches opaque payloads and FEC-encodes them into
// data frames, and a receive pipeline that deduplicates, estimates
// downstream loss, and reconstructs the original payloads.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fectun/fec"
)

// chanCapacity bounds the payload/frame channels a Session owns (spec 5).
const chanCapacity = 1000

// pacerRate and pacerBurst are the token-bucket shaping parameters from
// spec 4.1; the shaper is advisory and never blocks the batch loop
// indefinitely (spec 9, "pacer correctness vs shape").
const (
	pacerRate  = 10000
	pacerBurst = 128
)

// maxPacerWait bounds how long one emitted frame will wait on the pacer
// before the batch loop moves on regardless.
const maxPacerWait = 5 * time.Millisecond

// maxBatchSize is the largest number of payloads folded into one FEC run.
const maxBatchSize = fec.MaxBatch

// Session is an isolated FEC session dealing only in Frames; it is the
// caller's responsibility to keep feeding it (via its Config channels) or
// it will make no progress and drop payloads.
type Session struct {
	cfg Config
	log *zap.Logger

	sendToSend chan []byte
	recvInput  chan []byte
	getStats   chan chan Stats

	dropMu    sync.Mutex
	dropHooks []func()

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Session and starts its cooperating send/receive/stats
// sub-loops. The caller must keep pumping cfg.SendFrame/cfg.RecvFrame.
func New(cfg Config, log *zap.Logger) *Session {
	if cfg.Latency <= 0 {
		cfg.Latency = DefaultLatency
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		log:        log,
		sendToSend: make(chan []byte, chanCapacity),
		recvInput:  make(chan []byte, chanCapacity),
		getStats:   make(chan chan Stats),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// OnDrop registers a closure to run when the Session is closed, so callers
// can release associated resources (e.g. a mux entry) without this package
// knowing about them.
func (s *Session) OnDrop(fn func()) {
	s.dropMu.Lock()
	s.dropHooks = append(s.dropHooks, fn)
	s.dropMu.Unlock()
}

// SendBytes stuffs a payload into the session for FEC encoding. If the
// session's send buffer is full the payload is dropped and a warning is
// logged (spec 5, 7: transient-drop).
func (s *Session) SendBytes(b []byte) {
	select {
	case s.sendToSend <- b:
	default:
		s.log.Warn("overflowed send buffer at session", zap.Int("len", len(b)))
	}
}

// RecvBytes blocks until the next application payload is decoded by the
// session, or ctx is done.
func (s *Session) RecvBytes(ctx context.Context) ([]byte, bool) {
	select {
	case b, ok := <-s.recvInput:
		return b, ok
	case <-ctx.Done():
		return nil, false
	case <-s.done:
		return nil, false
	}
}

// GetStats requests a snapshot of current session statistics.
func (s *Session) GetStats(ctx context.Context) (Stats, bool) {
	reply := make(chan Stats, 1)
	select {
	case s.getStats <- reply:
	case <-ctx.Done():
		return Stats{}, false
	case <-s.done:
		return Stats{}, false
	}
	select {
	case st := <-reply:
		return st, true
	case <-ctx.Done():
		return Stats{}, false
	}
}

// Close cancels the owning task, releasing all buffered payloads and
// firing any registered on-drop hooks. No graceful-close handshake is
// performed; in-progress work is simply abandoned.
func (s *Session) Close() {
	s.cancel()
	<-s.done
	s.dropMu.Lock()
	hooks := s.dropHooks
	s.dropHooks = nil
	s.dropMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	var measuredLoss atomic.Uint32    // quantised 8-bit loss, stored widened
	var highRecvFrameNo atomic.Uint64 // max frame_no ever admitted
	var totalRecvFrames atomic.Uint64 // count of frames admitted

	rd := newRunDecoder()
	var rdMu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.sendLoop(ctx, &measuredLoss, &highRecvFrameNo, &totalRecvFrames)
	}()
	go func() {
		defer wg.Done()
		s.recvLoop(ctx, &measuredLoss, &highRecvFrameNo, &totalRecvFrames, rd, &rdMu)
	}()
	s.statsLoop(ctx, &highRecvFrameNo, &totalRecvFrames, rd, &rdMu)
	wg.Wait()
}

func (s *Session) sendLoop(ctx context.Context, measuredLoss *atomic.Uint32, highRecvFrameNo, totalRecvFrames *atomic.Uint64) {
	limiter := rate.NewLimiter(rate.Limit(pacerRate), pacerBurst)
	var frameNo uint64
	var runNo uint64
	batch := make([][]byte, 0, maxBatchSize)

	for {
		batch = batch[:0]
		select {
		case <-ctx.Done():
			return
		case first := <-s.sendToSend:
			batch = append(batch, first)
		}

		timer := time.NewTimer(s.cfg.Latency)
	fill:
		for len(batch) < maxBatchSize {
			select {
			case <-timer.C:
				break fill
			case p := <-s.sendToSend:
				batch = append(batch, p)
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
		timer.Stop()

		shards, err := fec.Encode(s.cfg.TargetLoss, uint8(measuredLoss.Load()), batch)
		if err != nil {
			s.log.Warn("fec encode failed", zap.Error(err), zap.Int("batch", len(batch)))
			continue
		}

		for idx, body := range shards.Bodies {
			frame := &Frame{
				FrameNo:         frameNo,
				RunNo:           runNo,
				RunIdx:          uint8(idx),
				DataShards:      uint8(shards.DataShards),
				ParityShards:    uint8(shards.ParityShards),
				HighRecvFrameNo: highRecvFrameNo.Load(),
				TotalRecvFrames: totalRecvFrames.Load(),
				Body:            body,
			}
			if frameNo%1000 == 0 {
				s.log.Debug("emitting frame", zap.Uint64("frame_no", frameNo), zap.Uint32("measured_loss", measuredLoss.Load()))
			}
			pace(ctx, limiter)
			select {
			case s.cfg.SendFrame <- frame:
			case <-ctx.Done():
				return
			}
			frameNo++
		}
		runNo++
	}
}

// pace waits at most maxPacerWait on the token bucket; it never blocks the
// batch loop indefinitely (spec 9).
func pace(ctx context.Context, limiter *rate.Limiter) {
	r := limiter.Reserve()
	if !r.OK() {
		return
	}
	delay := r.Delay()
	if delay <= 0 {
		return
	}
	if delay > maxPacerWait {
		delay = maxPacerWait
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *Session) recvLoop(ctx context.Context, measuredLoss *atomic.Uint32, highRecvFrameNo, totalRecvFrames *atomic.Uint64, rd *runDecoder, rdMu *sync.Mutex) {
	rp := NewReplayFilter(0)
	loss := NewLossEstimator()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.cfg.RecvFrame:
			if frame == nil {
				continue
			}
			if !rp.Add(frame.FrameNo) {
				s.log.Debug("recv_loop: replay filter dropping frame", zap.Uint64("frame_no", frame.FrameNo))
				continue
			}
			loss.Update(frame.HighRecvFrameNo, frame.TotalRecvFrames)
			measuredLoss.Store(uint32(fec.LossToU8(loss.Median())))
			for {
				cur := highRecvFrameNo.Load()
				if frame.FrameNo <= cur || highRecvFrameNo.CompareAndSwap(cur, frame.FrameNo) {
					break
				}
			}
			totalRecvFrames.Add(1)

			rdMu.Lock()
			out, ok := rd.input(frame.RunNo, int(frame.RunIdx), frame.DataShards, frame.ParityShards, frame.Body)
			rdMu.Unlock()
			if !ok {
				continue
			}
			for _, item := range out {
				select {
				case s.recvInput <- item:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *Session) statsLoop(ctx context.Context, highRecvFrameNo, totalRecvFrames *atomic.Uint64, rd *runDecoder, rdMu *sync.Mutex) {
	for {
		select {
		case <-ctx.Done():
			return
		case reply := <-s.getStats:
			rdMu.Lock()
			st := statsFromDecoder(highRecvFrameNo.Load(), totalRecvFrames.Load(), rd)
			rdMu.Unlock()
			select {
			case reply <- st:
			case <-ctx.Done():
			}
		}
	}
}
