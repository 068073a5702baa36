package session

import "testing"

// S1: concrete replay-filter scenario from spec 8.
func TestReplayFilterScenario(t *testing.T) {
	rf := NewReplayFilter(0)
	ids := []uint64{5, 7, 7, 6, 5, 1010, 9, 11}
	want := []bool{true, true, false, true, false, true, false, true}
	for i, id := range ids {
		if got := rf.Add(id); got != want[i] {
			t.Errorf("Add(%d) = %v, want %v (step %d)", id, got, want[i], i)
		}
	}
}

// Property 1: Add returns true at most once per id, and always false for
// ids strictly below the current floor.
func TestReplayFilterMonotonicity(t *testing.T) {
	rf := NewReplayFilter(0)
	seen := map[uint64]int{}
	ids := []uint64{1, 2, 3, 2, 1, 500, 2000, 2000, 1999, 2001}
	for _, id := range ids {
		if rf.Add(id) {
			seen[id]++
		}
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("id %d accepted %d times, want at most 1", id, count)
		}
	}
	for _, id := range ids {
		if id < rf.bottom && rf.Add(id) {
			t.Errorf("Add(%d) accepted a value below the floor %d", id, rf.bottom)
		}
	}
}

// Property 2 (replay half): top - bottom <= 1000 after any sequence.
func TestReplayFilterWindowBound(t *testing.T) {
	rf := NewReplayFilter(0)
	for i := uint64(0); i < 5000; i += 3 {
		rf.Add(i)
	}
	if rf.top-rf.bottom > replayWindow {
		t.Errorf("window too wide: top=%d bottom=%d", rf.top, rf.bottom)
	}
}
