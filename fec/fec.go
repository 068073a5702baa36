// Package fec wraps a systematic Reed-Solomon erasure code behind the
// encode(measured_loss, batch) / decode(shard, index) collaborator
// interface the session engine treats as a black box.
package fec

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/klauspost/reedsolomon"
)

// MaxBatch is the largest batch of payloads folded into one FEC run.
const MaxBatch = 32

// MaxShards is the wire limit on data+parity shards in one run (spec 6.1).
const MaxShards = 255

var (
	// ErrEmptyBatch is returned by Encode when given no payloads.
	ErrEmptyBatch = errors.New("fec: empty batch")
	// ErrBatchTooLarge is returned when a batch exceeds MaxBatch.
	ErrBatchTooLarge = errors.New("fec: batch exceeds maximum size")
)

const lenPrefixSize = 2

// Shards is the result of one Encode call: the systematic data shards
// followed by the parity shards, plus the shape the receiver needs to
// reconstruct them.
type Shards struct {
	DataShards   int
	ParityShards int
	Bodies       [][]byte
}

// Encode splits batch into systematic data shards and computes parity
// shards sized from targetLoss (the design point) and measuredLoss (the
// peer-reported downstream loss, 8-bit quantised per LossToU8).
//
// Each payload is length-prefixed and padded to the widest payload in the
// batch so the erasure coder sees equal-length shards; the prefix is
// stripped back out on decode.
func Encode(targetLoss float64, measuredLoss uint8, batch [][]byte) (*Shards, error) {
	n := len(batch)
	if n == 0 {
		return nil, ErrEmptyBatch
	}
	if n > MaxBatch {
		return nil, ErrBatchTooLarge
	}

	parity := parityCount(n, targetLoss, measuredLoss)
	if n+parity > MaxShards {
		parity = MaxShards - n
	}

	maxLen := 0
	for _, p := range batch {
		if l := len(p) + lenPrefixSize; l > maxLen {
			maxLen = l
		}
	}

	shards := make([][]byte, n+parity)
	for i, p := range batch {
		s := make([]byte, maxLen)
		binary.BigEndian.PutUint16(s, uint16(len(p)))
		copy(s[lenPrefixSize:], p)
		shards[i] = s
	}
	for i := n; i < n+parity; i++ {
		shards[i] = make([]byte, maxLen)
	}

	if parity > 0 {
		enc, err := reedsolomon.New(n, parity)
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(shards); err != nil {
			return nil, err
		}
	}

	return &Shards{DataShards: n, ParityShards: parity, Bodies: shards}, nil
}

// parityCount sizes the parity shard count from the design-point target
// loss blended with the freshest measured downstream loss; the blend
// leans on whichever signal indicates more loss so transient spikes in
// measured loss get covered without permanently over-provisioning once
// the path recovers.
func parityCount(dataShards int, targetLoss float64, measuredLoss uint8) int {
	loss := targetLoss
	if m := U8ToLoss(measuredLoss); m > loss {
		loss = m
	}
	if loss <= 0 {
		return 0
	}
	if loss >= 0.95 {
		loss = 0.95
	}
	parity := int(math.Ceil(float64(dataShards) * loss / (1 - loss)))
	if parity < 1 {
		parity = 1
	}
	return parity
}

// LossToU8 quantises a loss fraction in [0,1] into an 8-bit wire value.
func LossToU8(loss float64) uint8 {
	v := loss * 256.0
	if v > 254.0 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return uint8(v)
}

// U8ToLoss is the inverse of LossToU8.
func U8ToLoss(b uint8) float64 {
	return float64(b) / 256.0
}

// Decoder reconstructs one FEC run from however many of its shards arrive,
// in any order, as long as at least DataShards of the DataShards+ParityShards
// total are present.
type Decoder struct {
	dataShards   int
	parityShards int
	shardLen     int
	have         [][]byte
	present      int
	done         bool
}

// NewDecoder constructs a decoder for one run, parameterised by the shape
// carried on every frame belonging to that run.
func NewDecoder(dataShards, parityShards int) *Decoder {
	return &Decoder{
		dataShards:   dataShards,
		parityShards: parityShards,
		have:         make([][]byte, dataShards+parityShards),
	}
}

// Input admits one shard at run index idx. When enough shards have arrived
// to reconstruct the run it returns the original ordered batch of payloads
// and ok=true; Input is a no-op once a run has already decoded.
func (d *Decoder) Input(idx int, body []byte) (batch [][]byte, ok bool) {
	if d.done || idx < 0 || idx >= len(d.have) {
		return nil, false
	}
	if d.have[idx] != nil {
		return nil, false // duplicate shard within the run
	}
	if d.shardLen == 0 {
		d.shardLen = len(body)
	}
	shard := make([]byte, d.shardLen)
	copy(shard, body)
	d.have[idx] = shard
	d.present++

	if d.present < d.dataShards {
		return nil, false
	}

	shards := make([][]byte, len(d.have))
	copy(shards, d.have)
	if d.present < len(shards) {
		if d.parityShards > 0 {
			enc, err := reedsolomon.New(d.dataShards, d.parityShards)
			if err != nil {
				return nil, false
			}
			if err := enc.ReconstructData(shards); err != nil {
				return nil, false
			}
		} else {
			return nil, false
		}
	}

	batch = make([][]byte, d.dataShards)
	for i := 0; i < d.dataShards; i++ {
		s := shards[i]
		if len(s) < lenPrefixSize {
			return nil, false
		}
		n := binary.BigEndian.Uint16(s)
		if int(n) > len(s)-lenPrefixSize {
			return nil, false
		}
		payload := make([]byte, n)
		copy(payload, s[lenPrefixSize:lenPrefixSize+int(n)])
		batch[i] = payload
	}
	d.done = true
	return batch, true
}

// GoodPkts is the number of data shards (out of DataShards) actually
// received for this run, regardless of whether it ever decoded.
func (d *Decoder) GoodPkts() int {
	good := 0
	for i := 0; i < d.dataShards; i++ {
		if d.have[i] != nil {
			good++
		}
	}
	return good
}

// LostPkts is the complement of GoodPkts over the data-shard count.
func (d *Decoder) LostPkts() int {
	return d.dataShards - d.GoodPkts()
}
