package relconn

// reordererCapacity bounds how many out-of-order payloads the reorderer
// will buffer before it starts dropping the highest-seqno entry (spec 3,
// "suggested 1024 entries").
const reordererCapacity = 1024

// Reorderer buffers out-of-order Data payloads keyed by seqno and drains a
// contiguous prefix starting at lowestUnseen as gaps fill in. It never
// moves the cursor backwards and, on overflow, drops the highest-seqno
// entry rather than advancing the cursor past a gap.
type Reorderer struct {
	entries      map[Seqno][]byte
	lowestUnseen Seqno
}

// NewReorderer starts a reorderer with its cursor at lowestUnseen.
func NewReorderer(lowestUnseen Seqno) *Reorderer {
	return &Reorderer{entries: make(map[Seqno][]byte), lowestUnseen: lowestUnseen}
}

// LowestUnseen is the next seqno the application has not yet received.
func (r *Reorderer) LowestUnseen() Seqno { return r.lowestUnseen }

// Insert admits a payload at seqno (seqno >= lowestUnseen is the caller's
// responsibility to check) and drains every contiguous payload starting at
// lowestUnseen, advancing the cursor past them.
func (r *Reorderer) Insert(seqno Seqno, payload []byte) (drained [][]byte) {
	if seqno < r.lowestUnseen {
		return nil
	}
	if _, dup := r.entries[seqno]; dup {
		return nil
	}
	r.entries[seqno] = payload
	if len(r.entries) > reordererCapacity {
		r.evictHighest()
	}

	for {
		p, ok := r.entries[r.lowestUnseen]
		if !ok {
			break
		}
		drained = append(drained, p)
		delete(r.entries, r.lowestUnseen)
		r.lowestUnseen++
	}
	return drained
}

func (r *Reorderer) evictHighest() {
	var highest Seqno
	first := true
	for s := range r.entries {
		if first || s > highest {
			highest = s
			first = false
		}
	}
	if !first {
		delete(r.entries, highest)
	}
}

// Len is the number of buffered out-of-order entries.
func (r *Reorderer) Len() int { return len(r.entries) }
