package session

import "sort"

// lossSampleGap is the minimum advance in both counters before the
// estimator will emit a new loss sample (spec 4.2).
const lossSampleGap = 30

// maxLossSamples bounds the rolling window the median is computed over.
const maxLossSamples = 256

// LossEstimator tracks downstream loss from the piggybacked
// (high_recv_frame_no, total_recv_frames) counters the peer reports on
// every frame, and publishes the median of the last 256 samples.
type LossEstimator struct {
	lastHigh  uint64
	lastTotal uint64
	samples   []float64
	median    float64
}

// NewLossEstimator returns an estimator with a zero median until its first
// sample is collected.
func NewLossEstimator() *LossEstimator {
	return &LossEstimator{}
}

// Update feeds one (high, total) observation. It emits a new sample only
// when both counters have advanced by at least lossSampleGap since the
// last sample.
func (e *LossEstimator) Update(high, total uint64) {
	if total < e.lastTotal+lossSampleGap || high < e.lastHigh+lossSampleGap {
		return
	}
	deltaHigh := float64(high - e.lastHigh)
	deltaTotal := float64(total - e.lastTotal)
	e.lastHigh = high
	e.lastTotal = total

	denom := deltaHigh
	if deltaTotal > denom {
		denom = deltaTotal
	}
	if denom == 0 {
		return
	}
	sample := 1 - deltaTotal/denom
	if sample != sample || sample < -1e9 || sample > 1e9 {
		// Reject non-finite samples rather than let them poison the median.
		return
	}

	e.samples = append(e.samples, sample)
	if len(e.samples) > maxLossSamples {
		e.samples = e.samples[1:]
	}

	sorted := make([]float64, len(e.samples))
	copy(sorted, e.samples)
	sort.Float64s(sorted)
	e.median = sorted[len(sorted)/2]
}

// Median returns the current published loss estimate in [0,1].
func (e *LossEstimator) Median() float64 {
	return e.median
}
