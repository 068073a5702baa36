package session

import "fectun/fec"

// runWindow bounds how many concurrently in-flight FEC runs the decoder
// tracks (spec 3, 4.2).
const runWindow = 100

// runDecoder reassembles FEC runs keyed by run_no, bounded by a sliding
// window; runs below bottomRun are rejected and runs far enough above
// topRun evict the oldest decoder, folding its good/lost shard counts into
// the rolling totals used for the recovered-loss statistic.
type runDecoder struct {
	topRun    uint64
	bottomRun uint64
	decoders  map[uint64]*fec.Decoder

	totalCount   uint64
	correctCount uint64

	totalDataShards   uint64
	totalParityShards uint64
}

func newRunDecoder() *runDecoder {
	return &runDecoder{decoders: make(map[uint64]*fec.Decoder)}
}

// input routes one shard into the decoder for its run, advancing the
// window and evicting stale runs as needed. It returns the reconstructed
// batch, in original order, the first time a run becomes decodable.
func (rd *runDecoder) input(runNo uint64, runIdx int, dataShards, parityShards uint8, body []byte) ([][]byte, bool) {
	if runNo < rd.bottomRun {
		return nil, false
	}
	if runNo > rd.topRun {
		rd.topRun = runNo
		for rd.topRun-rd.bottomRun > runWindow {
			if dec, ok := rd.decoders[rd.bottomRun]; ok {
				rd.totalCount += uint64(dec.GoodPkts() + dec.LostPkts())
				rd.correctCount += uint64(dec.GoodPkts())
				delete(rd.decoders, rd.bottomRun)
			}
			rd.bottomRun++
		}
	}

	dec, ok := rd.decoders[runNo]
	if !ok {
		dec = fec.NewDecoder(int(dataShards), int(parityShards))
		rd.decoders[runNo] = dec
	}

	if runIdx < int(dataShards) {
		rd.totalDataShards++
	} else {
		rd.totalParityShards++
	}

	return dec.Input(runIdx, body)
}
