package relconn

import (
	"testing"
	"time"
)

// S4: cwnd=200, bdp=40, srtt=100ms. Loss -> cwnd=100. Loss 50ms later ->
// unchanged. Loss 300ms after the first -> cwnd=max(50,40)=50.
func TestCongestionLossScenario(t *testing.T) {
	in := NewInflight()
	in.SampleRTT(100 * time.Millisecond)
	// Force BDP to 40 by shaping rate via ack timestamps: BDP = minRTT*rate.
	// minRTT = 100ms = 0.1s, so rate = 400/s gives bdp=40.
	base := time.Now()
	for i := 0; i < 50; i++ {
		in.RecordAck(base.Add(time.Duration(i) * (time.Second / 400)))
	}

	c := &CongestionState{SlowStart: false, Cwnd: 200, lastLoss: base.Add(-time.Hour), lastFlight: base}
	c.Loss(in, base)
	if c.Cwnd != 100 {
		t.Fatalf("after first loss cwnd = %v, want 100", c.Cwnd)
	}

	c.Loss(in, base.Add(50*time.Millisecond))
	if c.Cwnd != 100 {
		t.Fatalf("debounced loss changed cwnd to %v, want unchanged 100", c.Cwnd)
	}

	c.Loss(in, base.Add(300*time.Millisecond))
	if c.Cwnd < 49.9 || c.Cwnd > 50.1 {
		t.Fatalf("after debounce window cwnd = %v, want ~50 (max(50,bdp))", c.Cwnd)
	}
}

// S5: cwnd=128, one congestion_ack call (outside slow start). Expected
// increment max(1, 0.23*128^0.4)*8/128 ~= 0.100.
func TestCongestionAckScenario(t *testing.T) {
	in := NewInflight()
	in.SampleRTT(50 * time.Millisecond)
	c := &CongestionState{SlowStart: false, Cwnd: 128, lastFlight: time.Now()}
	c.Ack(in, time.Now())
	if c.Cwnd < 128.08 || c.Cwnd > 128.12 {
		t.Fatalf("cwnd after one ack = %v, want in [128.08, 128.12]", c.Cwnd)
	}
}

// Property 4: cwnd stays within [16, 10000] under any mix of calls.
func TestCongestionCwndBounds(t *testing.T) {
	in := NewInflight()
	in.SampleRTT(20 * time.Millisecond)
	c := NewCongestionState(time.Now())
	now := time.Now()
	for i := 0; i < 10000; i++ {
		now = now.Add(time.Millisecond)
		if i%7 == 0 {
			c.Loss(in, now)
		} else {
			c.Ack(in, now)
		}
		if c.Cwnd < cwndMin || c.Cwnd > cwndMax {
			t.Fatalf("cwnd out of bounds: %v at step %d", c.Cwnd, i)
		}
	}
}

// Property 5: two loss calls within 2*srtt produce at most one reduction.
func TestCongestionLossDebounce(t *testing.T) {
	in := NewInflight()
	in.SampleRTT(100 * time.Millisecond)
	c := &CongestionState{SlowStart: false, Cwnd: 1000, lastFlight: time.Now()}
	now := time.Now()
	c.lastLoss = now.Add(-time.Hour)
	c.Loss(in, now)
	reduced := c.Cwnd
	c.Loss(in, now.Add(50*time.Millisecond))
	if c.Cwnd != reduced {
		t.Fatalf("second loss within debounce window changed cwnd: %v -> %v", reduced, c.Cwnd)
	}
}

func TestSlowStartLatchesOffOnFirstLoss(t *testing.T) {
	in := NewInflight()
	in.SampleRTT(10 * time.Millisecond)
	c := NewCongestionState(time.Now())
	if !c.SlowStart {
		t.Fatalf("expected slow start initially true")
	}
	c.Loss(in, time.Now())
	if c.SlowStart {
		t.Fatalf("slow start should latch off after first loss")
	}
	before := c.Cwnd
	c.Ack(in, time.Now())
	if c.Cwnd-before >= 1 {
		t.Fatalf("ack growth after slow start should use the concave law, not +1: before=%v after=%v", before, c.Cwnd)
	}
}
