package session

// Stats is a snapshot of one session's downstream-reception health
// (spec 6.3).
type Stats struct {
	DownTotal         uint64
	DownLoss          float64
	DownRecoveredLoss float64
	DownRedundant     float64
}

func statsFromDecoder(highRecvFrameNo, totalRecvFrames uint64, rd *runDecoder) Stats {
	down := Stats{DownTotal: highRecvFrameNo}

	denom := highRecvFrameNo
	if denom < 1 {
		denom = 1
	}
	loss := 1 - float64(totalRecvFrames)/float64(denom)
	down.DownLoss = clamp01(loss)

	totalCount := rd.totalCount
	tcDenom := totalCount
	if tcDenom < 1 {
		tcDenom = 1
	}
	recoveredLoss := 1 - float64(rd.correctCount)/float64(tcDenom)
	down.DownRecoveredLoss = clamp01(recoveredLoss)

	dsDenom := rd.totalDataShards
	if dsDenom < 1 {
		dsDenom = 1
	}
	down.DownRedundant = float64(rd.totalParityShards) / float64(dsDenom)

	return down
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
