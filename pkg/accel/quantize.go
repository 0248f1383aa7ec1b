package accel

import (
	"time"

	"github.com/orneryd/cortex/pkg/gpu"
	"github.com/orneryd/cortex/pkg/quant"
)

const stageQuantize = "quantize"

// Quantize converts embeddings to 8-bit codes with the accelerator's
// parameters (scale 0.1, zero point 128 unless configured otherwise).
func (a *Accelerator) Quantize(embeddings []float32) ([]uint8, error) {
	return a.QuantizeWith(embeddings, a.params)
}

// QuantizeWith converts embeddings with caller-supplied parameters, for
// example ones produced by quant.Calibrate.
func (a *Accelerator) QuantizeWith(embeddings []float32, params quant.Params) ([]uint8, error) {
	if err := a.ready(stageQuantize); err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, a.fail("QUANT", newError(KindQuantization, stageQuantize, ErrEmptyInput))
	}
	if err := params.Validate(); err != nil {
		return nil, a.fail("QUANT", newError(KindQuantization, stageQuantize, err))
	}

	al := &allocator{a: a}
	defer al.release()

	in, err := al.upload(gpu.BytesOf(embeddings))
	if err != nil {
		return nil, a.fail("QUANT", newError(KindQuantization, stageQuantize, err))
	}
	out, err := al.alloc(len(embeddings))
	if err != nil {
		return nil, a.fail("QUANT", newError(KindQuantization, stageQuantize, err))
	}

	pipe := a.pipelines[KernelQuantize]
	cb := gpu.NewCommandBuffer(stageQuantize)
	enc := cb.Encoder(pipe)
	enc.SetBuffer(0, in, 0)
	enc.SetBuffer(1, out, 0)
	enc.SetFloat32(2, params.Scale)
	enc.SetFloat32(3, params.ZeroPoint)
	enc.Dispatch(linearSize(pipe, len(embeddings)))

	start := time.Now()
	if err := a.dev.Submit(cb); err != nil {
		return nil, a.fail("QUANT", newError(KindQuantization, KernelQuantize, err))
	}
	a.metrics.observeStage(KernelQuantize, start, 1)
	a.quantizations.Add(1)
	return gpu.ReadBytes(out), nil
}
