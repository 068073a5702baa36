package relconn

import "time"

// pendingAckCapacity bounds the set of seqnos awaiting a DataAck so an
// adversarial peer that never lets the delayed-ack timer fire can't grow
// it without bound (spec 9, "Reorderer and ack set bounding").
const pendingAckCapacity = 1024

// ConnVars is the reliable connection's control block (spec 3): the
// inflight book, the reorderer, the congestion controller, and the
// bookkeeping the send/receive/ack/retransmit machinery shares. The
// pre-pacer queue of unsent Messages is Conn.appSend itself (a buffered
// channel), rather than a field here. It is mutated only by the owning
// connection goroutine.
type ConnVars struct {
	Inflight      *Inflight
	NextFreeSeqno Seqno
	RetransCount  uint64

	DelayedAckArmed bool
	DelayedAckAt    time.Time
	AckSeqnos       map[Seqno]struct{}

	Reorderer *Reorderer

	Congestion *CongestionState

	Closing bool

	lastAckProgress time.Time
}

// NewConnVars returns a fresh control block for a connection opened now.
func NewConnVars(now time.Time) *ConnVars {
	return &ConnVars{
		Inflight:        NewInflight(),
		AckSeqnos:       make(map[Seqno]struct{}),
		Reorderer:       NewReorderer(0),
		Congestion:      NewCongestionState(now),
		lastAckProgress: now,
	}
}

// CwndTarget and PacingRate forward to the congestion controller with this
// connection's inflight book (spec 4.6).
func (cv *ConnVars) CwndTarget() float64 { return cv.Congestion.CwndTarget(cv.Inflight) }
func (cv *ConnVars) PacingRate() float64 { return cv.Congestion.PacingRate(cv.Inflight) }

// CongestionAck and CongestionLoss drive the congestion controller and
// record ack progress for the idle-timeout check.
func (cv *ConnVars) CongestionAck(now time.Time) {
	cv.Congestion.Ack(cv.Inflight, now)
	cv.lastAckProgress = now
}

func (cv *ConnVars) CongestionLoss(now time.Time) {
	cv.Congestion.Loss(cv.Inflight, now)
}

// IdleSince is how long it has been since the last ack made progress,
// i.e. removed or implicitly acknowledged an inflight seqno.
func (cv *ConnVars) IdleSince(now time.Time) time.Duration {
	return now.Sub(cv.lastAckProgress)
}

// AddPendingAck records seqno as needing acknowledgement, dropping the
// bookkeeping (not the underlying data) once the pending set is saturated:
// an overflowing ack set just means the next DataAck cumulative field
// covers it instead.
func (cv *ConnVars) AddPendingAck(seqno Seqno) {
	if len(cv.AckSeqnos) >= pendingAckCapacity {
		return
	}
	cv.AckSeqnos[seqno] = struct{}{}
}

// TakePendingAcks snapshots and clears the pending ack set.
func (cv *ConnVars) TakePendingAcks() map[Seqno]struct{} {
	acked := cv.AckSeqnos
	cv.AckSeqnos = make(map[Seqno]struct{})
	return acked
}
