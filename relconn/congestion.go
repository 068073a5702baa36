package relconn

import (
	"math"
	"time"
)

// cwndMin and cwndMax are the hard clamp from spec 3/4.6.
const (
	cwndMin = 16.0
	cwndMax = 10000.0
)

// cwndTargetMultiplier scales BDP into the advisory cwnd target (spec 4.6).
const cwndTargetMultiplier = 1.5

// lossDebounceRTTs bounds, in multiples of srtt, how often a loss event is allowed to shrink cwnd
// (spec 4.6): "loss-event debounce".
const lossDebounceRTTs = 2

// CongestionState is the BDP-scaled congestion controller (spec 4.6): a
// fractional cwnd, an EWMA loss rate, and the flight-counting diagnostics.
// It is owned by a single connection goroutine; no internal locking.
type CongestionState struct {
	SlowStart bool
	Cwnd      float64
	LossRate  float64

	lastLoss   time.Time
	flights    uint64
	lastFlight time.Time
}

// NewCongestionState starts in slow start with the spec's initial cwnd.
func NewCongestionState(now time.Time) *CongestionState {
	return &CongestionState{
		SlowStart:  true,
		Cwnd:       128.0,
		lastLoss:   now,
		lastFlight: now,
	}
}

// CwndTarget is the advisory target used for pacing/target checks.
func (c *CongestionState) CwndTarget(in *Inflight) float64 {
	return clampCwnd(in.BDP() * cwndTargetMultiplier)
}

// PacingRate is cwnd / min_rtt, in packets per second.
func (c *CongestionState) PacingRate(in *Inflight) float64 {
	minRTT := in.MinRTT().Seconds()
	if minRTT <= 0 {
		return 0
	}
	return c.Cwnd / minRTT
}

// Ack applies the concave congestion-avoidance growth law from spec 4.6 to
// one acknowledged packet. Slow start applies a steeper +1-per-ack growth
// until the first loss event latches it off permanently (spec 4.6, 9).
func (c *CongestionState) Ack(in *Inflight, now time.Time) {
	c.LossRate *= 0.99

	if c.SlowStart {
		c.Cwnd++
	} else {
		n := 0.23 * math.Pow(c.Cwnd, 0.4)
		if n < 1 {
			n = 1
		}
		c.Cwnd += n * 8 / c.Cwnd
	}
	c.Cwnd = clampCwnd(c.Cwnd)

	if now.Sub(c.lastFlight) > in.SRTT() {
		c.flights++
		c.lastFlight = now
	}
}

// Loss applies a congestion-loss event: slow start latches off permanently,
// the loss-rate EWMA always updates, and cwnd is halved towards BDP at
// most once per loss-debounce interval.
func (c *CongestionState) Loss(in *Inflight, now time.Time) {
	c.SlowStart = false
	c.LossRate = c.LossRate*0.99 + 0.01

	if now.Sub(c.lastLoss) > lossDebounceRTTs*in.SRTT() {
		bdp := in.BDP()
		reduced := c.Cwnd * 0.5
		if reduced < bdp {
			reduced = bdp
		}
		if reduced < c.Cwnd {
			c.Cwnd = reduced
		}
		c.Cwnd = clampCwnd(c.Cwnd)
		c.lastLoss = now
	}
}

// Flights is the diagnostic flight counter from spec 4.6.
func (c *CongestionState) Flights() uint64 { return c.flights }

func clampCwnd(v float64) float64 {
	if v < cwndMin {
		return cwndMin
	}
	if v > cwndMax {
		return cwndMax
	}
	return v
}
