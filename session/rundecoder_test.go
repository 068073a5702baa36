package session

import "testing"

// S7: drive 150 ascending run_no values; at run_no=149 bottom_run=49 and
// run_no=40 has been evicted, so a late shard for it is dropped.
func TestRunDecoderEviction(t *testing.T) {
	rd := newRunDecoder()
	for runNo := uint64(0); runNo < 150; runNo++ {
		rd.input(runNo, 0, 4, 2, []byte("x"))
	}
	if rd.bottomRun != 49 {
		t.Fatalf("bottomRun = %d, want 49", rd.bottomRun)
	}
	if _, ok := rd.decoders[40]; ok {
		t.Fatalf("decoder for run_no=40 should have been evicted")
	}
	if _, ok := rd.input(40, 1, 4, 2, []byte("y")); ok {
		t.Fatalf("shard for evicted run_no=40 should never decode")
	}
}

// Property 2 (run half): top_run - bottom_run <= 100 after any sequence.
func TestRunDecoderWindowBound(t *testing.T) {
	rd := newRunDecoder()
	for runNo := uint64(0); runNo < 1000; runNo += 7 {
		rd.input(runNo, 0, 4, 2, []byte("x"))
	}
	if rd.topRun-rd.bottomRun > runWindow {
		t.Errorf("window too wide: top=%d bottom=%d", rd.topRun, rd.bottomRun)
	}
}
