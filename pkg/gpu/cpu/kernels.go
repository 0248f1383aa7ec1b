package cpu

import (
	"errors"
	"fmt"
	"math"

	"github.com/viterin/vek/vek32"

	"github.com/orneryd/cortex/pkg/gpu"
)

const (
	defaultEmbeddingDim = 256
	layerNormEpsilon    = 1e-5
	emptySlot           = math.MaxUint32
)

// Kernels returns the cortex kernel set.
//
// Binding layouts:
//
//	embed               0:in f32  1:out f32  2:positional f32  3:seq_len u32
//	attention           0:in f32  1:out f32                     (2D grid)
//	feedforward         0:in f32  1:out f32
//	infer               0:in f32  1:out f32  2:weight f32  3:bias f32  4:seq_len u32
//	quantize_embeddings 0:in f32  1:out u8   2:scale f32   3:zero_point f32
//	ip_search           0:query u8  1:database u8  2:scores f32  3:n u32  4:dim u32
//	topk_reduce         0:scores f32  1:indices u32  2:top f32  3:n u32  4:k u32
func Kernels() []Kernel {
	return []Kernel{
		{Name: "embed", Prepare: prepareEmbed},
		{Name: "attention", Prepare: prepareAttention},
		{Name: "feedforward", Prepare: prepareFeedForward},
		{Name: "infer", Prepare: prepareInfer},
		{Name: "quantize_embeddings", Prepare: prepareQuantize},
		{Name: "ip_search", Prepare: prepareIPSearch},
		{Name: "topk_reduce", Prepare: prepareTopK, Cooperative: true},
	}
}

func inOut(a *Args) (in, out []float32, n int, err error) {
	if in, err = a.Float32s(0); err != nil {
		return nil, nil, 0, err
	}
	if out, err = a.Float32s(1); err != nil {
		return nil, nil, 0, err
	}
	return in, out, min(len(in), len(out)), nil
}

// prepareEmbed adds each token's positional signal: the mean of its row in
// the positional-encoding table.
func prepareEmbed(a *Args) (ThreadFunc, error) {
	in, out, n, err := inOut(a)
	if err != nil {
		return nil, err
	}
	pe, err := a.Float32s(2)
	if err != nil {
		return nil, err
	}
	seqLen, err := a.Uint32(3)
	if err != nil {
		return nil, err
	}
	dim := a.Constant("embedding_dim", defaultEmbeddingDim)
	L := int(seqLen)
	if L == 0 {
		return nil, errors.New("sequence length is zero")
	}
	if len(pe) < L*dim {
		return nil, fmt.Errorf("positional table holds %d values, need %d", len(pe), L*dim)
	}

	return func(t *Thread) {
		i := t.Position.X
		if i >= n {
			return
		}
		p := i % L
		row := pe[p*dim : (p+1)*dim]
		out[i] = in[i] + vek32.Sum(row)/float32(dim)
	}, nil
}

// prepareAttention runs scaled dot-product self-attention over the sequence.
// The grid is L x L; column zero of each row performs the row reduction and
// the remaining columns exit, so callers keep the two-axis launch shape.
func prepareAttention(a *Args) (ThreadFunc, error) {
	in, out, n, err := inOut(a)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.New("empty sequence")
	}
	scale := float32(1 / math.Sqrt(float64(n)))

	return func(t *Thread) {
		i, j := t.Position.X, t.Position.Y
		if i >= n || j >= n || j != 0 {
			return
		}
		x := in[i]
		maxScore := float32(math.Inf(-1))
		for k := 0; k < n; k++ {
			if s := x * in[k] * scale; s > maxScore {
				maxScore = s
			}
		}
		var sum, acc float32
		for k := 0; k < n; k++ {
			w := float32(math.Exp(float64(x*in[k]*scale - maxScore)))
			sum += w
			acc += w * in[k]
		}
		out[i] = acc / sum
	}, nil
}

// prepareFeedForward applies a residual GELU.
func prepareFeedForward(a *Args) (ThreadFunc, error) {
	in, out, n, err := inOut(a)
	if err != nil {
		return nil, err
	}
	return func(t *Thread) {
		i := t.Position.X
		if i >= n {
			return
		}
		x := in[i]
		out[i] = x + gelu(x)
	}, nil
}

func gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(c*(v+0.044715*v*v*v))))
}

// prepareInfer applies layer normalization over windows the width of the
// weight vector, within the first seq_len elements.
func prepareInfer(a *Args) (ThreadFunc, error) {
	in, out, n, err := inOut(a)
	if err != nil {
		return nil, err
	}
	weight, err := a.Float32s(2)
	if err != nil {
		return nil, err
	}
	bias, err := a.Float32s(3)
	if err != nil {
		return nil, err
	}
	seqLen, err := a.Uint32(4)
	if err != nil {
		return nil, err
	}
	width := len(weight)
	if width == 0 || len(bias) < width {
		return nil, fmt.Errorf("layer norm weight=%d bias=%d", len(weight), len(bias))
	}
	L := min(int(seqLen), n)

	return func(t *Thread) {
		i := t.Position.X
		if i >= n {
			return
		}
		if i >= L {
			out[i] = in[i]
			return
		}
		lo := (i / width) * width
		hi := min(lo+width, L)
		window := in[lo:hi]
		mean := vek32.Sum(window) / float32(len(window))
		var variance float32
		for _, v := range window {
			d := v - mean
			variance += d * d
		}
		variance /= float32(len(window))
		norm := (in[i] - mean) / float32(math.Sqrt(float64(variance)+layerNormEpsilon))
		out[i] = norm*weight[i%width] + bias[i%width]
	}, nil
}

// prepareQuantize maps floats to uint8 codes: round(v/scale + zero_point),
// saturated to [0, 255].
func prepareQuantize(a *Args) (ThreadFunc, error) {
	in, err := a.Float32s(0)
	if err != nil {
		return nil, err
	}
	out, err := a.Uint8s(1)
	if err != nil {
		return nil, err
	}
	scale, err := a.Float32(2)
	if err != nil {
		return nil, err
	}
	zero, err := a.Float32(3)
	if err != nil {
		return nil, err
	}
	if scale == 0 || math.IsNaN(float64(scale)) {
		return nil, fmt.Errorf("invalid scale %v", scale)
	}
	n := min(len(in), len(out))

	return func(t *Thread) {
		i := t.Position.X
		if i >= n {
			return
		}
		code := math.Round(float64(in[i]/scale + zero))
		switch {
		case !(code >= 0):
			code = 0
		case code > 255:
			code = 255
		}
		out[i] = uint8(code)
	}, nil
}

// prepareIPSearch scores every database row against the query.
func prepareIPSearch(a *Args) (ThreadFunc, error) {
	query, err := a.Uint8s(0)
	if err != nil {
		return nil, err
	}
	db, err := a.Uint8s(1)
	if err != nil {
		return nil, err
	}
	scores, err := a.Float32s(2)
	if err != nil {
		return nil, err
	}
	count, err := a.Uint32(3)
	if err != nil {
		return nil, err
	}
	dimension, err := a.Uint32(4)
	if err != nil {
		return nil, err
	}
	n, dim := int(count), int(dimension)
	switch {
	case dim == 0:
		return nil, errors.New("dimension is zero")
	case len(query) < dim:
		return nil, fmt.Errorf("query has %d codes, need %d", len(query), dim)
	case len(db) < n*dim:
		return nil, fmt.Errorf("database has %d codes, need %d", len(db), n*dim)
	case len(scores) < n:
		return nil, fmt.Errorf("score buffer holds %d, need %d", len(scores), n)
	}

	return func(t *Thread) {
		row := t.Position.X
		if row >= n {
			return
		}
		codes := db[row*dim : (row+1)*dim]
		var acc uint64
		for d, q := range query[:dim] {
			acc += uint64(q) * uint64(codes[d])
		}
		scores[row] = float32(acc)
	}, nil
}

// prepareTopK selects the k best scores with a single thread group. Each
// thread keeps a sorted top list of a strided slice in group memory, no longer
// than k or its slice; after the barrier thread zero merges the per-thread
// lists. Ties go to the lower index.
func prepareTopK(a *Args) (ThreadFunc, error) {
	scores, err := a.Float32s(0)
	if err != nil {
		return nil, err
	}
	indices, err := a.Uint32s(1)
	if err != nil {
		return nil, err
	}
	top, err := a.Float32s(2)
	if err != nil {
		return nil, err
	}
	count, err := a.Uint32(3)
	if err != nil {
		return nil, err
	}
	want, err := a.Uint32(4)
	if err != nil {
		return nil, err
	}
	n, k := int(count), int(want)
	switch {
	case k == 0 || k > n:
		return nil, fmt.Errorf("k=%d out of range for n=%d", k, n)
	case len(scores) < n:
		return nil, fmt.Errorf("score buffer holds %d, need %d", len(scores), n)
	case len(indices) < k || len(top) < k:
		return nil, fmt.Errorf("result buffers hold %d/%d, need %d", len(indices), len(top), k)
	}
	threads := a.ThreadsPerGroup().Volume()
	per := min(k, (n+threads-1)/threads)
	sharedLen := threads * per * 8
	if err := a.ReserveShared(sharedLen); err != nil {
		return nil, err
	}

	return func(t *Thread) {
		if t.Group != (gpu.Size{X: 0, Y: 0, Z: 0}) {
			return
		}
		shared := t.Shared(sharedLen)
		localScores := gpu.View[float32](shared[:threads*per*4])
		localIdx := gpu.View[uint32](shared[threads*per*4:])

		ls := localScores[t.Index*per : (t.Index+1)*per]
		li := localIdx[t.Index*per : (t.Index+1)*per]
		for j := range li {
			li[j] = emptySlot
		}
		for i := t.Index; i < n; i += threads {
			s, idx := scores[i], uint32(i)
			if !better(s, idx, ls[per-1], li[per-1]) {
				continue
			}
			j := per - 1
			for j > 0 && better(s, idx, ls[j-1], li[j-1]) {
				ls[j], li[j] = ls[j-1], li[j-1]
				j--
			}
			ls[j], li[j] = s, idx
		}

		t.Barrier()
		if t.Index != 0 {
			return
		}

		heads := make([]int, threads)
		for r := 0; r < k; r++ {
			best := -1
			for th := 0; th < threads; th++ {
				h := heads[th]
				if h >= per {
					continue
				}
				pos := th*per + h
				if localIdx[pos] == emptySlot {
					continue
				}
				if best < 0 {
					best = th
					continue
				}
				bpos := best*per + heads[best]
				if better(localScores[pos], localIdx[pos], localScores[bpos], localIdx[bpos]) {
					best = th
				}
			}
			if best < 0 {
				break
			}
			pos := best*per + heads[best]
			indices[r] = localIdx[pos]
			top[r] = localScores[pos]
			heads[best]++
		}
	}, nil
}

// better orders candidates by score descending, then index ascending. An
// empty slot loses to everything.
func better(s float32, idx uint32, os float32, oidx uint32) bool {
	if oidx == emptySlot {
		return true
	}
	if s != os {
		return s > os
	}
	return idx < oidx
}
