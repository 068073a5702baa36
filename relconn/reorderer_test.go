package relconn

import (
	"bytes"
	"testing"
)

func TestReordererDrainsContiguousPrefix(t *testing.T) {
	r := NewReorderer(0)
	if out := r.Insert(1, []byte("b")); out != nil {
		t.Fatalf("out-of-order insert should not drain yet, got %v", out)
	}
	if out := r.Insert(2, []byte("c")); out != nil {
		t.Fatalf("still missing seqno 0, got %v", out)
	}
	out := r.Insert(0, []byte("a"))
	want := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	if len(out) != len(want) {
		t.Fatalf("drained %d payloads, want %d", len(out), len(want))
	}
	for i := range want {
		if !bytes.Equal(out[i], want[i]) {
			t.Errorf("payload %d = %q, want %q", i, out[i], want[i])
		}
	}
	if r.LowestUnseen() != 3 {
		t.Errorf("lowestUnseen = %d, want 3", r.LowestUnseen())
	}
}

func TestReordererRejectsBelowCursor(t *testing.T) {
	r := NewReorderer(5)
	if out := r.Insert(3, []byte("stale")); out != nil {
		t.Fatalf("stale insert should be rejected, got %v", out)
	}
}

func TestReordererOverflowDropsHighest(t *testing.T) {
	r := NewReorderer(0)
	// Fill it with entries after a gap at 0, so nothing ever drains.
	for s := Seqno(1); s <= reordererCapacity; s++ {
		r.Insert(s, []byte{byte(s)})
	}
	if r.Len() != reordererCapacity {
		t.Fatalf("len = %d, want %d", r.Len(), reordererCapacity)
	}
	r.Insert(reordererCapacity+1, []byte{0xff})
	if r.Len() != reordererCapacity {
		t.Fatalf("after overflow len = %d, want capped at %d", r.Len(), reordererCapacity)
	}
	// Spec: overflow drops the highest-seqno entry, not necessarily the
	// newest one — here they're the same entry.
	if _, stillThere := r.entries[reordererCapacity+1]; stillThere {
		t.Fatalf("highest-seqno entry should have been evicted on overflow")
	}
	if _, stillThere := r.entries[1]; !stillThere {
		t.Fatalf("lower-seqno entries should survive an overflow eviction")
	}
}
