package relconn

import (
	"time"
)

// rateWindow is how far back Inflight.Rate() looks when estimating packets
// acked per unit time for the BDP calculation.
const rateWindow = 2 * time.Second

// rttAlpha and rttBeta are the Jacobson/Karels smoothing constants
// (spec 4.5).
const (
	rttAlpha = 1.0 / 8.0
	rttBeta  = 1.0 / 4.0
)

// minRTO is the floor on the retransmission timeout (spec 4.4).
const minRTO = 40 * time.Millisecond

// Entry is one inflight (sent, unacknowledged) segment (spec 3).
type Entry struct {
	Seqno        Seqno
	Payload      []byte
	SendTime     time.Time
	RetransCount int
}

// RTTEligible reports whether this entry may still be used to sample RTT;
// once retransmitted, a segment's ack is ambiguous (spec 3, 4.4).
func (e *Entry) RTTEligible() bool { return e.RetransCount == 0 }

// Inflight is the set of seqnos sent but not yet acknowledged, plus the
// RTT/rate state the congestion controller needs to compute BDP and RTO.
// It is owned by a single connection goroutine; no internal locking.
type Inflight struct {
	entries map[Seqno]*Entry

	srtt   time.Duration
	rttvar time.Duration
	minrtt time.Duration
	gotRTT bool

	ackTimes []time.Time
}

// NewInflight returns an empty inflight book.
func NewInflight() *Inflight {
	return &Inflight{entries: make(map[Seqno]*Entry)}
}

// Add records a newly sent segment.
func (in *Inflight) Add(seqno Seqno, payload []byte, now time.Time) {
	in.entries[seqno] = &Entry{Seqno: seqno, Payload: payload, SendTime: now}
}

// Get returns the entry for seqno, if still inflight.
func (in *Inflight) Get(seqno Seqno) (*Entry, bool) {
	e, ok := in.entries[seqno]
	return e, ok
}

// Remove drops seqno from the book, returning its entry if present.
func (in *Inflight) Remove(seqno Seqno) (*Entry, bool) {
	e, ok := in.entries[seqno]
	if ok {
		delete(in.entries, seqno)
	}
	return e, ok
}

// Len is the number of seqnos currently inflight.
func (in *Inflight) Len() int { return len(in.entries) }

// MarkRetransmitted bumps retrans_count and resets send_time on a
// retransmit, per spec 4.4.
func (in *Inflight) MarkRetransmitted(seqno Seqno, now time.Time) {
	if e, ok := in.entries[seqno]; ok {
		e.RetransCount++
		e.SendTime = now
	}
}

// Oldest returns the inflight entry with the earliest SendTime.
func (in *Inflight) Oldest() (*Entry, bool) {
	var oldest *Entry
	for _, e := range in.entries {
		if oldest == nil || e.SendTime.Before(oldest.SendTime) {
			oldest = e
		}
	}
	return oldest, oldest != nil
}

// SampleRTT feeds one fresh, unambiguous RTT observation into the
// Jacobson/Karels smoothed estimators, and into the monotone min_rtt.
func (in *Inflight) SampleRTT(sample time.Duration) {
	if sample < 0 {
		return
	}
	if !in.gotRTT {
		in.srtt = sample
		in.rttvar = sample / 2
		in.minrtt = sample
		in.gotRTT = true
		return
	}
	diff := sample - in.srtt
	if diff < 0 {
		diff = -diff
	}
	in.rttvar += time.Duration(rttBeta * float64(diff-in.rttvar))
	in.srtt += time.Duration(rttAlpha * float64(sample-in.srtt))
	if sample < in.minrtt {
		in.minrtt = sample
	}
}

// RecordAck marks an ack arriving now, for the rolling-rate estimate
// Inflight.Rate() (and hence BDP) is built on.
func (in *Inflight) RecordAck(now time.Time) {
	in.ackTimes = append(in.ackTimes, now)
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(in.ackTimes) && in.ackTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		in.ackTimes = append([]time.Time(nil), in.ackTimes[i:]...)
	}
}

// Rate is packets acked per second over the rolling window.
func (in *Inflight) Rate() float64 {
	if len(in.ackTimes) < 2 {
		return 0
	}
	span := in.ackTimes[len(in.ackTimes)-1].Sub(in.ackTimes[0]).Seconds()
	if span <= 0 {
		return float64(len(in.ackTimes))
	}
	return float64(len(in.ackTimes)-1) / span
}

// SRTT, RTTVar, and MinRTT expose the smoothed RTT statistics. MinRTT
// defaults to minRTO so pacing_rate/BDP never divide by zero before the
// first sample arrives.
func (in *Inflight) SRTT() time.Duration {
	if !in.gotRTT {
		return minRTO
	}
	return in.srtt
}

func (in *Inflight) RTTVar() time.Duration {
	return in.rttvar
}

func (in *Inflight) MinRTT() time.Duration {
	if !in.gotRTT {
		return minRTO
	}
	return in.minrtt
}

// RTO is max(srtt + 4*rttvar, min_rto) (spec 4.4).
func (in *Inflight) RTO() time.Duration {
	rto := in.SRTT() + 4*in.RTTVar()
	if rto < minRTO {
		return minRTO
	}
	return rto
}

// BDP is min_rtt * observed rate (GLOSSARY).
func (in *Inflight) BDP() float64 {
	return in.MinRTT().Seconds() * in.Rate()
}
