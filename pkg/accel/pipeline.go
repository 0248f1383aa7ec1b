package accel

import (
	"time"

	"github.com/orneryd/cortex/pkg/gpu"
)

// stageFunc binds the stage-specific arguments after in (0) and out (1).
type stageFunc func(enc *gpu.Encoder, seqLen int)

// ProcessSequence runs a token sequence through the four pipeline stages and
// returns one value per token.
//
// Tokens are expected to be pre-normalized by the caller (token id divided by
// vocabulary size). Sequences longer than MaxSeqLength are truncated to their
// prefix. A stage failure aborts the remaining stages and no partial result is
// returned.
func (a *Accelerator) ProcessSequence(tokens []float32) ([]float32, error) {
	if err := a.ready(KernelEmbed); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, a.fail("PIPELINE", newError(KindStageDispatch, KernelEmbed, ErrEmptySequence))
	}

	truncated := len(tokens) > MaxSeqLength
	if truncated {
		a.logger.Printf("[PIPELINE] ⚠️ Sequence of %d tokens truncated to %d", len(tokens), MaxSeqLength)
		tokens = tokens[:MaxSeqLength]
		a.truncated.Add(1)
	}
	seqLen := len(tokens)
	a.metrics.observeSequence(seqLen, truncated)

	al := &allocator{a: a}
	defer al.release()

	in, err := al.upload(gpu.BytesOf(tokens))
	if err != nil {
		return nil, a.fail("PIPELINE", newError(KindStageDispatch, KernelEmbed, err))
	}
	ping, err := al.alloc(seqLen * 4)
	if err != nil {
		return nil, a.fail("PIPELINE", newError(KindStageDispatch, KernelEmbed, err))
	}
	pong, err := al.alloc(seqLen * 4)
	if err != nil {
		return nil, a.fail("PIPELINE", newError(KindStageDispatch, KernelEmbed, err))
	}

	stages := []struct {
		name    string
		in, out gpu.Buffer
		bind    stageFunc
	}{
		{KernelEmbed, in, ping, a.bindEmbed},
		{KernelAttention, ping, pong, nil},
		{KernelFeedForward, pong, ping, nil},
		{KernelInfer, ping, pong, a.bindInfer},
	}
	for _, st := range stages {
		if err := a.runStage(st.name, st.in, st.out, seqLen, st.bind); err != nil {
			return nil, a.fail("PIPELINE", newError(KindStageDispatch, st.name, err))
		}
	}

	a.sequences.Add(1)
	return gpu.ReadFloat32s(pong), nil
}

func (a *Accelerator) bindEmbed(enc *gpu.Encoder, seqLen int) {
	enc.SetBuffer(2, a.pool.PositionalEncoding, 0)
	enc.SetUint32(3, uint32(seqLen))
}

func (a *Accelerator) bindInfer(enc *gpu.Encoder, seqLen int) {
	enc.SetBuffer(2, a.pool.LayerNormWeight, 0)
	enc.SetBuffer(3, a.pool.LayerNormBias, 0)
	enc.SetUint32(4, uint32(seqLen))
}

// runStage records and submits one stage as its own command buffer.
func (a *Accelerator) runStage(name string, in, out gpu.Buffer, seqLen int, bind stageFunc) error {
	pipe := a.pipelines[name]
	cb := gpu.NewCommandBuffer(name)
	enc := cb.Encoder(pipe)
	enc.SetBuffer(0, in, 0)
	enc.SetBuffer(1, out, 0)
	if bind != nil {
		bind(enc, seqLen)
	}

	var groups, threads gpu.Size
	if name == KernelAttention {
		groups, threads = attentionSize(pipe, seqLen)
	} else {
		groups, threads = linearSize(pipe, seqLen)
	}
	enc.Dispatch(groups, threads)

	start := time.Now()
	if err := a.dev.Submit(cb); err != nil {
		return err
	}
	a.metrics.observeStage(name, start, 1)
	return nil
}
