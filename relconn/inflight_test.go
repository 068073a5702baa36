package relconn

import (
	"testing"
	"time"
)

func TestInflightAddRemove(t *testing.T) {
	in := NewInflight()
	now := time.Now()
	in.Add(1, []byte("x"), now)
	if in.Len() != 1 {
		t.Fatalf("len = %d, want 1", in.Len())
	}
	e, ok := in.Remove(1)
	if !ok || e.Seqno != 1 {
		t.Fatalf("Remove(1) = %v, %v", e, ok)
	}
	if in.Len() != 0 {
		t.Fatalf("len after remove = %d, want 0", in.Len())
	}
}

func TestInflightRTOEntriesNotRTTEligibleAfterRetransmit(t *testing.T) {
	in := NewInflight()
	now := time.Now()
	in.Add(1, []byte("x"), now)
	e, _ := in.Get(1)
	if !e.RTTEligible() {
		t.Fatalf("fresh entry should be RTT-eligible")
	}
	in.MarkRetransmitted(1, now.Add(time.Second))
	if e.RTTEligible() {
		t.Fatalf("retransmitted entry should not be RTT-eligible")
	}
}

// Invariant: min_rtt is monotonically non-increasing under fresh samples.
func TestInflightMinRTTMonotonic(t *testing.T) {
	in := NewInflight()
	samples := []time.Duration{100 * time.Millisecond, 80 * time.Millisecond, 120 * time.Millisecond, 50 * time.Millisecond}
	var lastMin time.Duration = time.Hour
	for _, s := range samples {
		in.SampleRTT(s)
		if in.MinRTT() > lastMin {
			t.Fatalf("min_rtt increased: %v -> %v", lastMin, in.MinRTT())
		}
		lastMin = in.MinRTT()
	}
	if in.MinRTT() != 50*time.Millisecond {
		t.Fatalf("final min_rtt = %v, want 50ms", in.MinRTT())
	}
}

func TestInflightRTO(t *testing.T) {
	in := NewInflight()
	in.SampleRTT(10 * time.Millisecond)
	if in.RTO() < minRTO {
		t.Fatalf("RTO below floor: %v", in.RTO())
	}
	in.SampleRTT(500 * time.Millisecond)
	in.SampleRTT(500 * time.Millisecond)
	in.SampleRTT(500 * time.Millisecond)
	if in.RTO() < in.SRTT() {
		t.Fatalf("RTO %v should be >= srtt %v", in.RTO(), in.SRTT())
	}
}
