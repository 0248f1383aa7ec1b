package accel

import "github.com/orneryd/cortex/pkg/gpu"

const (
	attentionTile = 16
	topKThreads   = 256
)

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// linearSize tiles count threads into as few groups as the pipeline allows.
func linearSize(pipe gpu.Pipeline, count int) (groups, threads gpu.Size) {
	tpg := min(pipe.MaxThreadsPerGroup(), count)
	if tpg < 1 {
		tpg = 1
	}
	return gpu.Size1D(ceilDiv(count, tpg)), gpu.Size1D(tpg)
}

// attentionSize covers an L x L grid with square tiles of 16x16 threads,
// halving the tile while the pipeline cannot hold it.
func attentionSize(pipe gpu.Pipeline, seqLen int) (groups, threads gpu.Size) {
	tile := attentionTile
	for limit := pipe.MaxThreadsPerGroup(); tile > 1 && limit > 0 && tile*tile > limit; {
		tile /= 2
	}
	g := ceilDiv(seqLen, tile)
	return gpu.Size2D(g, g), gpu.Size2D(tile, tile)
}

// topKSize is a single group of min(n, 256) threads.
func topKSize(pipe gpu.Pipeline, n int) (groups, threads gpu.Size) {
	tpg := min(n, topKThreads)
	if limit := pipe.MaxThreadsPerGroup(); limit > 0 {
		tpg = min(tpg, limit)
	}
	return gpu.Size1D(1), gpu.Size1D(max(tpg, 1))
}
