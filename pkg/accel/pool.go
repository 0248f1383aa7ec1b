package accel

import (
	"fmt"
	"math"

	"github.com/orneryd/cortex/pkg/gpu"
)

// layerNormWidth is the length of the layer-norm weight and bias vectors.
const layerNormWidth = 4

// SharedPool holds the read-only buffers every request binds.
//
// The buffers are written once during Initialize and never again, so any
// number of dispatches may read them concurrently.
type SharedPool struct {
	// PositionalEncoding is a [MaxSeqLength x EmbeddingDim] float32 table
	PositionalEncoding gpu.Buffer
	// LayerNormWeight is all ones
	LayerNormWeight gpu.Buffer
	// LayerNormBias is all zeros
	LayerNormBias gpu.Buffer
}

// PositionalEncoding returns the sinusoidal table for maxSeq positions of
// width dim: index 2i holds sin(p / 10000^(2i/dim)) and 2i+1 the matching cos.
func PositionalEncoding(maxSeq, dim int) []float32 {
	pe := make([]float32, maxSeq*dim)
	for p := 0; p < maxSeq; p++ {
		row := pe[p*dim : (p+1)*dim]
		for i := 0; i < dim; i += 2 {
			angle := float64(p) / math.Pow(10000, float64(i)/float64(dim))
			row[i] = float32(math.Sin(angle))
			if i+1 < dim {
				row[i+1] = float32(math.Cos(angle))
			}
		}
	}
	return pe
}

func newSharedPool(dev gpu.Device) (*SharedPool, error) {
	pool := &SharedPool{}
	var err error
	pool.PositionalEncoding, err = gpu.Upload(dev, gpu.BytesOf(PositionalEncoding(MaxSeqLength, EmbeddingDim)), gpu.StorageShared)
	if err != nil {
		return nil, fmt.Errorf("positional encoding: %w", err)
	}
	ones := make([]float32, layerNormWidth)
	for i := range ones {
		ones[i] = 1
	}
	pool.LayerNormWeight, err = gpu.Upload(dev, gpu.BytesOf(ones), gpu.StorageShared)
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("layer norm weight: %w", err)
	}
	pool.LayerNormBias, err = gpu.Upload(dev, gpu.BytesOf(make([]float32, layerNormWidth)), gpu.StorageShared)
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("layer norm bias: %w", err)
	}
	return pool, nil
}

// Release frees every pool buffer.
func (p *SharedPool) Release() {
	if p == nil {
		return
	}
	for _, b := range []gpu.Buffer{p.PositionalEncoding, p.LayerNormWeight, p.LayerNormBias} {
		if b != nil {
			b.Release()
		}
	}
}
